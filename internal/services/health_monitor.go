package services

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mescon/Chronicarr/internal/db"
	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/providers"
)

// providerHealth is the slice of the provider registry the health
// monitor consumes. *providers.Registry implements it.
type providerHealth interface {
	EnabledClients() ([]providers.Client, error)
	BreakerStats() map[string]providers.CircuitBreakerStats
}

// HealthMonitorService watches for sync runs that never finished,
// database connection pool pressure, and unreachable provider instances.
type HealthMonitorService struct {
	db         *sql.DB
	eventBus   eventbus.Publisher
	registry   providerHealth
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	mu             sync.Mutex
	providerErrors map[string]string

	// Configuration
	checkInterval         time.Duration
	stuckThreshold        time.Duration
	providerCheckInterval time.Duration
	providerProbeTimeout  time.Duration
	initialCheckDelay     time.Duration
	initialProbeDelay     time.Duration
}

// NewHealthMonitorService creates a new health monitoring service.
func NewHealthMonitorService(database *sql.DB, eb eventbus.Publisher, registry providerHealth) *HealthMonitorService {
	return &HealthMonitorService{
		db:                    database,
		eventBus:              eb,
		registry:              registry,
		shutdownCh:            make(chan struct{}),
		providerErrors:        make(map[string]string),
		checkInterval:         15 * time.Minute,
		stuckThreshold:        2 * time.Hour,
		providerCheckInterval: 5 * time.Minute,
		providerProbeTimeout:  15 * time.Second,
		initialCheckDelay:     30 * time.Second,
		initialProbeDelay:     60 * time.Second,
	}
}

// Start begins health monitoring.
func (h *HealthMonitorService) Start() {
	h.wg.Add(1)
	go h.runHealthChecks()

	h.wg.Add(1)
	go h.runProviderChecks()

	logger.Infof("Health monitor started (check interval: %s, stuck threshold: %s)", h.checkInterval, h.stuckThreshold)
}

// Shutdown gracefully stops the health monitor.
func (h *HealthMonitorService) Shutdown() {
	logger.Infof("Health monitor: initiating shutdown...")
	close(h.shutdownCh)
	h.wg.Wait()
	logger.Infof("Health monitor: shutdown complete")
}

func (h *HealthMonitorService) runHealthChecks() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	select {
	case <-h.shutdownCh:
		return
	case <-time.After(h.initialCheckDelay):
		h.performHealthChecks()
	}

	for {
		select {
		case <-h.shutdownCh:
			return
		case <-ticker.C:
			h.performHealthChecks()
		}
	}
}

func (h *HealthMonitorService) performHealthChecks() {
	h.checkStuckSyncRuns()
	h.checkDatabaseHealth()
}

// checkStuckSyncRuns finds runs still marked running past the stuck
// threshold, marks them failed, and publishes a SyncFailed event so
// metrics and notifications see them.
func (h *HealthMonitorService) checkStuckSyncRuns() {
	if h.db == nil {
		return
	}

	cutoff := time.Now().UTC().Add(-h.stuckThreshold)
	rows, err := h.db.Query(
		"SELECT run_id, provider, started_at FROM sync_runs WHERE status = 'running' AND started_at < ?",
		cutoff)
	if err != nil {
		logger.Debugf("Health monitor: failed to check stuck sync runs: %v", err)
		return
	}
	defer rows.Close()

	type stuckRun struct {
		runID, provider, startedAt string
	}
	var stuck []stuckRun
	for rows.Next() {
		var r stuckRun
		if err := rows.Scan(&r.runID, &r.provider, &r.startedAt); err != nil {
			continue
		}
		stuck = append(stuck, r)
	}

	for _, r := range stuck {
		logger.Warnf("STUCK SYNC RUN: %s (provider: %s, started: %s)", r.runID, r.provider, r.startedAt)

		_, err := db.ExecWithRetry(h.db, `
			UPDATE sync_runs
			SET status = 'failed', error = 'sync run exceeded stuck threshold', completed_at = ?
			WHERE run_id = ? AND status = 'running'
		`, time.Now().UTC(), r.runID)
		if err != nil {
			logger.Errorf("Failed to mark stuck sync run %s failed: %v", r.runID, err)
			continue
		}

		if err := h.eventBus.Publish(domain.Event{
			AggregateType: "sync_run",
			AggregateID:   r.runID,
			EventType:     domain.SyncFailed,
			EventData: map[string]interface{}{
				"run_id":   r.runID,
				"provider": r.provider,
				"error":    "sync run exceeded stuck threshold",
			},
		}); err != nil {
			logger.Errorf("Failed to publish SyncFailed event for stuck run: %v", err)
		}
	}

	if len(stuck) > 0 {
		logger.Warnf("Health monitor: marked %d stuck sync runs failed", len(stuck))
	}
}

// checkDatabaseHealth checks database connection pool health.
func (h *HealthMonitorService) checkDatabaseHealth() {
	if h.db == nil {
		return
	}

	stats := h.db.Stats()

	logger.Debugf("Database health: open=%d, in_use=%d, idle=%d, wait_count=%d, wait_duration=%s",
		stats.OpenConnections, stats.InUse, stats.Idle, stats.WaitCount, stats.WaitDuration)

	if stats.OpenConnections > 0 && stats.InUse == stats.OpenConnections {
		logger.Warnf("Database connection pool exhausted: all %d connections in use", stats.OpenConnections)
	}

	if stats.WaitDuration > 5*time.Second {
		logger.Warnf("Database connection wait time high: %s (waited %d times)", stats.WaitDuration, stats.WaitCount)
	}
}

func (h *HealthMonitorService) runProviderChecks() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.providerCheckInterval)
	defer ticker.Stop()

	select {
	case <-h.shutdownCh:
		return
	case <-time.After(h.initialProbeDelay):
		h.checkProviderHealth()
	}

	for {
		select {
		case <-h.shutdownCh:
			return
		case <-ticker.C:
			h.checkProviderHealth()
		}
	}
}

// checkProviderHealth probes every enabled provider instance. Results
// feed GetHealthStatus for the system endpoint; a probe failure is a
// warning, not a sync failure.
func (h *HealthMonitorService) checkProviderHealth() {
	if h.registry == nil {
		return
	}

	clients, err := h.registry.EnabledClients()
	if err != nil {
		logger.Warnf("Health monitor: failed to load providers: %v", err)
		return
	}

	current := make(map[string]string, len(clients))
	for _, client := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), h.providerProbeTimeout)
		err := client.TestConnection(ctx)
		cancel()

		if err != nil {
			logger.Warnf("Provider unreachable: %s (%s) - %v", client.Name(), client.Type(), err)
			current[client.Name()] = err.Error()
		} else {
			logger.Debugf("Provider healthy: %s (%s)", client.Name(), client.Type())
			current[client.Name()] = ""
		}
	}

	h.mu.Lock()
	h.providerErrors = current
	h.mu.Unlock()
}

// GetHealthStatus returns current health status for the system endpoint.
func (h *HealthMonitorService) GetHealthStatus() map[string]interface{} {
	status := make(map[string]interface{})

	if h.db != nil {
		stats := h.db.Stats()
		status["database"] = map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration_ms": stats.WaitDuration.Milliseconds(),
		}

		var runningCount int
		if err := h.db.QueryRow("SELECT COUNT(*) FROM sync_runs WHERE status = 'running'").Scan(&runningCount); err != nil {
			logger.Debugf("Failed to query running sync count: %v", err)
		}
		status["running_syncs"] = runningCount
	}

	h.mu.Lock()
	providerStatus := make(map[string]interface{}, len(h.providerErrors))
	for name, probeErr := range h.providerErrors {
		providerStatus[name] = map[string]interface{}{
			"healthy": probeErr == "",
			"error":   probeErr,
		}
	}
	h.mu.Unlock()
	status["providers"] = providerStatus

	if h.registry != nil {
		breakers := make(map[string]interface{})
		for name, stats := range h.registry.BreakerStats() {
			breakers[name] = map[string]interface{}{
				"state":           stats.State.String(),
				"total_failures":  stats.TotalFailures,
				"total_successes": stats.TotalSuccesses,
			}
		}
		status["circuit_breakers"] = breakers
	}

	return status
}
