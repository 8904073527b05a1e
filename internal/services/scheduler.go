package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mescon/Chronicarr/internal/config"
	"github.com/mescon/Chronicarr/internal/logger"
)

// syncTrigger is the slice of SyncService the scheduler needs.
type syncTrigger interface {
	Sync(ctx context.Context) (map[string]UserSyncResult, error)
	SyncProvider(ctx context.Context, providerName string) (map[string]UserSyncResult, error)
}

// SchedulerService runs cron-scheduled syncs from the schedules table.
// A schedule with an empty provider triggers a full sync, otherwise a
// single-provider sync.
type SchedulerService struct {
	db   *sql.DB
	sync syncTrigger
	cron *cron.Cron
	jobs map[int64]cron.EntryID
	mu   sync.Mutex
}

func NewSchedulerService(db *sql.DB, sync syncTrigger) *SchedulerService {
	return &SchedulerService{
		db:   db,
		sync: sync,
		cron: cron.New(),
		jobs: make(map[int64]cron.EntryID),
	}
}

func (s *SchedulerService) Start() {
	logger.Infof("Starting Scheduler Service...")
	s.cron.Start()
	if err := s.LoadSchedules(); err != nil {
		logger.Errorf("Failed to load schedules: %v", err)
	}
}

func (s *SchedulerService) Stop() {
	s.cron.Stop()
}

// LoadSchedules replaces all running cron jobs with the enabled rows
// from the schedules table.
func (s *SchedulerService) LoadSchedules() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entryID := range s.jobs {
		s.cron.Remove(entryID)
	}
	s.jobs = make(map[int64]cron.EntryID)

	rows, err := s.db.Query("SELECT id, name, cron_expression, provider FROM schedules WHERE enabled = 1")
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id int64
		var name, cronExpr, provider string
		if err := rows.Scan(&id, &name, &cronExpr, &provider); err != nil {
			logger.Errorf("Failed to scan schedule: %v", err)
			continue
		}

		if err := s.addJob(id, name, cronExpr, provider); err != nil {
			logger.Errorf("Failed to add job for schedule %d (%s): %v", id, name, err)
		} else {
			count++
		}
	}
	logger.Infof("Loaded %d active sync schedules", count)
	return rows.Err()
}

func (s *SchedulerService) addJob(scheduleID int64, name, cronExpr, provider string) error {
	entryID, err := s.cron.AddFunc(cronExpr, func() {
		s.runScheduledSync(scheduleID, name, provider)
	})
	if err != nil {
		return err
	}

	s.jobs[scheduleID] = entryID
	return nil
}

func (s *SchedulerService) runScheduledSync(scheduleID int64, name, provider string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.Get().SyncTimeout)
	defer cancel()

	var err error
	if provider == "" {
		logger.Infof("Executing scheduled sync %q (Schedule ID: %d)", name, scheduleID)
		_, err = s.sync.Sync(ctx)
	} else {
		logger.Infof("Executing scheduled sync %q for provider %s (Schedule ID: %d)", name, provider, scheduleID)
		_, err = s.sync.SyncProvider(ctx, provider)
	}
	if err != nil {
		logger.Errorf("Scheduled sync %q failed: %v", name, err)
	}
}

// AddSchedule persists a new schedule and starts its cron job.
func (s *SchedulerService) AddSchedule(name, cronExpr, provider string) (int64, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return 0, fmt.Errorf("invalid cron expression: %v", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO schedules (name, cron_expression, provider, enabled) VALUES (?, ?, ?, 1)",
		name, cronExpr, provider)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addJob(id, name, cronExpr, provider); err != nil {
		return id, fmt.Errorf("saved to DB but failed to schedule: %v", err)
	}

	return id, nil
}

// DeleteSchedule removes a schedule and stops its cron job.
func (s *SchedulerService) DeleteSchedule(id int64) error {
	_, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
	}

	return nil
}

// UpdateSchedule changes a schedule's cron expression and enabled state,
// rescheduling the running job to match.
func (s *SchedulerService) UpdateSchedule(id int64, cronExpr string, enabled bool) error {
	if cronExpr != "" {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %v", err)
		}
	}

	query := "UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{enabled}
	if cronExpr != "" {
		query += ", cron_expression = ?"
		args = append(args, cronExpr)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.jobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
	}

	if enabled {
		var name, currentCron, provider string
		err := s.db.QueryRow("SELECT name, cron_expression, provider FROM schedules WHERE id = ?", id).
			Scan(&name, &currentCron, &provider)
		if err != nil {
			return fmt.Errorf("failed to fetch updated schedule: %v", err)
		}

		if err := s.addJob(id, name, currentCron, provider); err != nil {
			logger.Errorf("Failed to reschedule job %d: %v", id, err)
		}
	}

	return nil
}

// JobCount returns the number of active cron jobs, for status endpoints.
func (s *SchedulerService) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
