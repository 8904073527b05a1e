package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/Chronicarr/internal/config"
	"github.com/mescon/Chronicarr/internal/db"
	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/providers"
)

// ErrSyncAlreadyRunning is returned when a sync is requested while
// another run is in flight.
var ErrSyncAlreadyRunning = fmt.Errorf("a sync is already running")

// providerSource is the slice of the provider registry the sync service
// consumes. *providers.Registry implements it.
type providerSource interface {
	EnabledInstances() ([]providers.Instance, error)
	ClientFor(inst providers.Instance) (providers.Client, error)
}

// UserSyncResult is the per-user outcome of a sync run.
type UserSyncResult struct {
	UserID       string   `json:"id"`
	RecentTitles []string `json:"recent_titles"`
}

// SyncService pulls watch history and favorites from every enabled
// provider and upserts them into the library. One run at a time.
type SyncService struct {
	db        *sql.DB
	registry  providerSource
	library   *LibraryStore
	events    eventbus.Publisher
	mu        sync.Mutex
	running   bool
	lastRunID string
}

// NewSyncService creates the sync orchestrator.
func NewSyncService(database *sql.DB, registry providerSource, library *LibraryStore, events eventbus.Publisher) *SyncService {
	return &SyncService{
		db:       database,
		registry: registry,
		library:  library,
		events:   events,
	}
}

// runCounters aggregates across providers within one run.
type runCounters struct {
	usersSynced  int
	itemsSynced  int
	mediaCreated int
}

// Running reports whether a sync is currently in flight.
func (s *SyncService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRunID returns the run id of the most recently started sync.
func (s *SyncService) LastRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunID
}

// Sync runs a full sync across all enabled providers. Returns the
// per-user results keyed by user name.
func (s *SyncService) Sync(ctx context.Context) (map[string]UserSyncResult, error) {
	return s.run(ctx, "")
}

// SyncProvider runs a sync for a single named provider instance.
func (s *SyncService) SyncProvider(ctx context.Context, providerName string) (map[string]UserSyncResult, error) {
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	return s.run(ctx, providerName)
}

func (s *SyncService) run(ctx context.Context, onlyProvider string) (map[string]UserSyncResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrSyncAlreadyRunning
	}
	s.running = true
	runID := uuid.New().String()
	s.lastRunID = runID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	instances, err := s.registry.EnabledInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	if onlyProvider != "" {
		instances = filterInstances(instances, onlyProvider)
		if len(instances) == 0 {
			return nil, fmt.Errorf("no enabled provider named %q", onlyProvider)
		}
	}

	if err := s.startRun(runID, onlyProvider); err != nil {
		return nil, err
	}
	logger.Infof("Sync run %s started (%d providers)", runID, len(instances))
	s.publish(domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     domain.SyncStarted,
		EventData: map[string]interface{}{
			"run_id":   runID,
			"provider": onlyProvider,
		},
	})

	var counters runCounters
	titlesByUser := make(map[string]*userTitles)
	var providerErrs []string

	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			providerErrs = append(providerErrs, fmt.Sprintf("%s: %v", inst.Name, err))
			break
		}
		if err := s.syncInstance(ctx, runID, inst, &counters, titlesByUser); err != nil {
			logger.Errorf("Provider %s sync failed: %v", inst.Name, err)
			providerErrs = append(providerErrs, fmt.Sprintf("%s: %v", inst.Name, err))
		}
	}

	results := buildResults(titlesByUser)

	runErr := ""
	status := "completed"
	if len(providerErrs) > 0 && len(providerErrs) == len(instances) {
		// Nothing synced at all
		status = "failed"
		runErr = joinErrors(providerErrs)
	} else if len(providerErrs) > 0 {
		runErr = joinErrors(providerErrs)
	}
	if err := s.finishRun(runID, status, runErr, counters); err != nil {
		logger.Errorf("Failed to finalize sync run %s: %v", runID, err)
	}

	eventType := domain.SyncCompleted
	if status == "failed" {
		eventType = domain.SyncFailed
	}
	s.publish(domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     eventType,
		EventData: map[string]interface{}{
			"run_id":        runID,
			"provider":      onlyProvider,
			"users_synced":  counters.usersSynced,
			"items_synced":  counters.itemsSynced,
			"media_created": counters.mediaCreated,
			"error":         runErr,
		},
	})

	logger.Infof("Sync run %s %s: %d users, %d items, %d new media",
		runID, status, counters.usersSynced, counters.itemsSynced, counters.mediaCreated)

	if status == "failed" {
		return results, fmt.Errorf("sync run failed: %s", runErr)
	}
	return results, nil
}

// syncInstance syncs every user of one provider instance. A user-level
// failure is logged and skipped, never aborting the provider.
func (s *SyncService) syncInstance(ctx context.Context, runID string, inst providers.Instance, counters *runCounters, titlesByUser map[string]*userTitles) error {
	client, err := s.registry.ClientFor(inst)
	if err != nil {
		return err
	}

	s.publish(domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     domain.ProviderSyncStarted,
		EventData: map[string]interface{}{
			"run_id":   runID,
			"provider": inst.Name,
		},
	})

	users, err := client.GetUsers(ctx)
	if err != nil {
		s.publish(domain.Event{
			AggregateType: "sync_run",
			AggregateID:   runID,
			EventType:     domain.ProviderSyncFailed,
			EventData: map[string]interface{}{
				"run_id":   runID,
				"provider": inst.Name,
				"error":    err.Error(),
			},
		})
		return fmt.Errorf("failed to list users: %w", err)
	}

	providerItems := 0
	providerMedia := 0
	for _, user := range users {
		stats, err := s.syncUser(ctx, client, inst, user)
		if err != nil {
			logger.Errorf("Skipping user %s on %s: %v", user.Name, inst.Name, err)
			continue
		}
		counters.usersSynced++
		counters.itemsSynced += stats.ItemsSynced
		counters.mediaCreated += stats.MediaCreated
		providerItems += stats.ItemsSynced
		providerMedia += stats.MediaCreated

		acc, ok := titlesByUser[user.Name]
		if !ok {
			acc = &userTitles{id: user.ID, titles: make(map[string]struct{})}
			titlesByUser[user.Name] = acc
		}
		for _, title := range stats.Titles {
			acc.titles[title] = struct{}{}
		}
	}

	s.publish(domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     domain.ProviderSyncCompleted,
		EventData: map[string]interface{}{
			"run_id":        runID,
			"provider":      inst.Name,
			"users_synced":  len(users),
			"items_synced":  providerItems,
			"media_created": providerMedia,
		},
	})
	return nil
}

// syncUser fetches one user's history and favorites and upserts both.
// The fetch window is unbounded on the provider's first ever sync and
// the configured recent window afterwards.
func (s *SyncService) syncUser(ctx context.Context, client providers.Client, inst providers.Instance, user providers.User) (UpsertStats, error) {
	limit, err := s.fetchLimit(client.Name(), inst)
	if err != nil {
		return UpsertStats{}, err
	}
	if limit <= 0 {
		logger.Infof("First sync for %s: fetching full history for %s", inst.Name, user.Name)
	}

	watched, err := client.GetRecentlyWatched(ctx, user.ID, limit)
	if err != nil {
		return UpsertStats{}, fmt.Errorf("failed to fetch history: %w", err)
	}
	favorites, err := client.GetFavorites(ctx, user.ID, limit)
	if err != nil {
		return UpsertStats{}, fmt.Errorf("failed to fetch favorites: %w", err)
	}

	stats := s.library.UpsertItems(ctx, client.Name(), user.Name, watched)
	favStats := s.library.UpsertItems(ctx, client.Name(), user.Name, favorites)

	stats.ItemsSynced += favStats.ItemsSynced
	stats.MediaCreated += favStats.MediaCreated
	stats.Skipped += favStats.Skipped
	stats.Failed += favStats.Failed
	stats.Titles = append(stats.Titles, favStats.Titles...)
	return stats, nil
}

// fetchLimit implements the incremental-fetch heuristic: no media rows
// from this provider yet means unbounded, otherwise the instance's
// recent window (falling back to the configured default).
func (s *SyncService) fetchLimit(providerName string, inst providers.Instance) (int, error) {
	count, err := s.library.CountMediaForProvider(providerName)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if inst.RecentLimit > 0 {
		return inst.RecentLimit, nil
	}
	return config.Get().DefaultRecentLimit, nil
}

func (s *SyncService) startRun(runID, provider string) error {
	_, err := db.ExecWithRetry(s.db, `
		INSERT INTO sync_runs (run_id, provider, status, started_at)
		VALUES (?, ?, 'running', ?)
	`, runID, provider, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

func (s *SyncService) finishRun(runID, status, runErr string, counters runCounters) error {
	_, err := db.ExecWithRetry(s.db, `
		UPDATE sync_runs
		SET status = ?, users_synced = ?, items_synced = ?, media_created = ?,
		    error = ?, completed_at = ?
		WHERE run_id = ?
	`, status, counters.usersSynced, counters.itemsSynced, counters.mediaCreated,
		runErr, time.Now().UTC(), runID)
	return err
}

func (s *SyncService) publish(event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s event: %v", event.EventType, err)
	}
}

type userTitles struct {
	id     string
	titles map[string]struct{}
}

// buildResults flattens the per-user title sets into sorted slices.
func buildResults(titlesByUser map[string]*userTitles) map[string]UserSyncResult {
	results := make(map[string]UserSyncResult, len(titlesByUser))
	for name, acc := range titlesByUser {
		titles := make([]string, 0, len(acc.titles))
		for title := range acc.titles {
			titles = append(titles, title)
		}
		sort.Strings(titles)
		results[name] = UserSyncResult{UserID: acc.id, RecentTitles: titles}
	}
	return results
}

func filterInstances(instances []providers.Instance, name string) []providers.Instance {
	var filtered []providers.Instance
	for _, inst := range instances {
		if inst.Name == name {
			filtered = append(filtered, inst)
		}
	}
	return filtered
}

func joinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
