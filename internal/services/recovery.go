package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mescon/Chronicarr/internal/db"
	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
)

// RecoveryService reconciles state left behind by an unclean shutdown.
// A sync run interrupted mid-flight stays marked running forever unless
// something closes it out; this runs once at startup, before the
// scheduler starts new runs.
type RecoveryService struct {
	db       *sql.DB
	eventBus eventbus.Publisher
}

// NewRecoveryService creates a new recovery service.
func NewRecoveryService(database *sql.DB, eventBus eventbus.Publisher) *RecoveryService {
	return &RecoveryService{db: database, eventBus: eventBus}
}

// RecoverInterruptedRuns marks every sync run still in the running state
// as failed and publishes a SyncFailed event for each, so metrics and
// notifications account for the interruption.
func (s *RecoveryService) RecoverInterruptedRuns() error {
	rows, err := s.db.Query("SELECT run_id, provider FROM sync_runs WHERE status = 'running'")
	if err != nil {
		return fmt.Errorf("failed to query interrupted sync runs: %w", err)
	}
	defer rows.Close()

	type interruptedRun struct {
		runID, provider string
	}
	var interrupted []interruptedRun
	for rows.Next() {
		var r interruptedRun
		if err := rows.Scan(&r.runID, &r.provider); err != nil {
			logger.Warnf("Failed to scan interrupted sync run: %v", err)
			continue
		}
		interrupted = append(interrupted, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate interrupted sync runs: %w", err)
	}

	for _, r := range interrupted {
		_, err := db.ExecWithRetry(s.db, `
			UPDATE sync_runs
			SET status = 'failed', error = 'interrupted by shutdown', completed_at = ?
			WHERE run_id = ? AND status = 'running'
		`, time.Now().UTC(), r.runID)
		if err != nil {
			logger.Errorf("Failed to mark interrupted run %s failed: %v", r.runID, err)
			continue
		}

		logger.Infof("Recovered interrupted sync run: %s", r.runID)

		if s.eventBus == nil {
			continue
		}
		if err := s.eventBus.Publish(domain.Event{
			AggregateType: "sync_run",
			AggregateID:   r.runID,
			EventType:     domain.SyncFailed,
			EventData: map[string]interface{}{
				"run_id":   r.runID,
				"provider": r.provider,
				"error":    "interrupted by shutdown",
			},
		}); err != nil {
			logger.Warnf("Failed to publish SyncFailed for recovered run %s: %v", r.runID, err)
		}
	}

	if len(interrupted) > 0 {
		logger.Infof("Startup recovery complete: %d interrupted sync runs closed out", len(interrupted))
	}
	return nil
}
