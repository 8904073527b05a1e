package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
)

// MetricsService exposes Prometheus metrics for Chronicarr, fed from
// the event bus.
type MetricsService struct {
	eventBus eventbus.Publisher
	registry *prometheus.Registry

	// Counters
	syncRunsTotal      *prometheus.CounterVec
	providerSyncsTotal *prometheus.CounterVec
	itemsSyncedTotal   prometheus.Counter
	mediaCreatedTotal  *prometheus.CounterVec
	watchesRecorded    *prometheus.CounterVec
	enrichmentFailures prometheus.Counter
	imageCacheMisses   prometheus.Counter
	notificationsTotal *prometheus.CounterVec

	// Gauges
	syncRunning       prometheus.Gauge
	lastSyncTimestamp prometheus.Gauge

	// Histograms
	syncDuration prometheus.Histogram

	// Internal tracking
	mu        sync.Mutex
	runStarts map[string]time.Time
}

// NewMetricsService creates and registers Prometheus metrics on a
// dedicated registry.
func NewMetricsService(eb eventbus.Publisher) *MetricsService {
	m := &MetricsService{
		eventBus:  eb,
		registry:  prometheus.NewRegistry(),
		runStarts: make(map[string]time.Time),

		syncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicarr_sync_runs_total",
				Help: "Total number of sync runs by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		providerSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicarr_provider_syncs_total",
				Help: "Total number of per-provider syncs by outcome",
			},
			[]string{"provider", "outcome"}, // completed, failed
		),

		itemsSyncedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chronicarr_items_synced_total",
				Help: "Total number of watch items upserted",
			},
		),

		mediaCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicarr_media_created_total",
				Help: "Total number of new media rows by provider and type",
			},
			[]string{"provider", "media_type"},
		),

		watchesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicarr_watches_recorded_total",
				Help: "Total number of watch history records by provider",
			},
			[]string{"provider"},
		),

		enrichmentFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chronicarr_enrichment_failures_total",
				Help: "Total number of failed TMDB enrichments",
			},
		),

		imageCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chronicarr_image_cache_misses_total",
				Help: "Total number of poster downloads that fell back to the source URL",
			},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicarr_notifications_total",
				Help: "Total number of notifications sent by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		syncRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chronicarr_sync_running",
				Help: "Whether a sync run is currently in progress (0 or 1)",
			},
		),

		lastSyncTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chronicarr_last_sync_timestamp_seconds",
				Help: "Unix time of the last completed sync run",
			},
		),

		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chronicarr_sync_duration_seconds",
				Help:    "Duration of sync runs in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1hour
			},
		),
	}

	m.registry.MustRegister(
		m.syncRunsTotal,
		m.providerSyncsTotal,
		m.itemsSyncedTotal,
		m.mediaCreatedTotal,
		m.watchesRecorded,
		m.enrichmentFailures,
		m.imageCacheMisses,
		m.notificationsTotal,
		m.syncRunning,
		m.lastSyncTimestamp,
		m.syncDuration,
	)

	return m
}

// Start subscribes to events and updates metrics.
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.SyncStarted, m.handleSyncStarted)
	m.eventBus.Subscribe(domain.SyncCompleted, m.handleSyncCompleted)
	m.eventBus.Subscribe(domain.SyncFailed, m.handleSyncFailed)
	m.eventBus.Subscribe(domain.ProviderSyncCompleted, m.handleProviderSyncCompleted)
	m.eventBus.Subscribe(domain.ProviderSyncFailed, m.handleProviderSyncFailed)
	m.eventBus.Subscribe(domain.MediaCreated, m.handleMediaCreated)
	m.eventBus.Subscribe(domain.WatchRecorded, m.handleWatchRecorded)
	m.eventBus.Subscribe(domain.EnrichmentFailed, m.handleEnrichmentFailed)
	m.eventBus.Subscribe(domain.ImageCacheMiss, m.handleImageCacheMiss)
	m.eventBus.Subscribe(domain.NotificationSent, m.handleNotificationSent)
	m.eventBus.Subscribe(domain.NotificationFailed, m.handleNotificationFailed)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event handlers

func (m *MetricsService) handleSyncStarted(event domain.Event) {
	m.syncRunning.Set(1)

	m.mu.Lock()
	m.runStarts[event.AggregateID] = time.Now()
	m.mu.Unlock()
}

func (m *MetricsService) handleSyncCompleted(event domain.Event) {
	m.syncRunsTotal.WithLabelValues("completed").Inc()
	m.syncRunning.Set(0)
	m.lastSyncTimestamp.SetToCurrentTime()

	if items, ok := event.GetInt64("items_synced"); ok {
		m.itemsSyncedTotal.Add(float64(items))
	}
	m.observeRunDuration(event.AggregateID)
}

func (m *MetricsService) handleSyncFailed(event domain.Event) {
	m.syncRunsTotal.WithLabelValues("failed").Inc()
	m.syncRunning.Set(0)
	m.observeRunDuration(event.AggregateID)
}

func (m *MetricsService) handleProviderSyncCompleted(event domain.Event) {
	provider := event.GetStringOr("provider", "unknown")
	m.providerSyncsTotal.WithLabelValues(provider, "completed").Inc()
}

func (m *MetricsService) handleProviderSyncFailed(event domain.Event) {
	provider := event.GetStringOr("provider", "unknown")
	m.providerSyncsTotal.WithLabelValues(provider, "failed").Inc()
}

func (m *MetricsService) handleMediaCreated(event domain.Event) {
	provider := event.GetStringOr("provider", "unknown")
	mediaType := event.GetStringOr("media_type", "unknown")
	m.mediaCreatedTotal.WithLabelValues(provider, mediaType).Inc()
}

func (m *MetricsService) handleWatchRecorded(event domain.Event) {
	provider := event.GetStringOr("provider", "unknown")
	m.watchesRecorded.WithLabelValues(provider).Inc()
}

func (m *MetricsService) handleEnrichmentFailed(event domain.Event) {
	m.enrichmentFailures.Inc()
}

func (m *MetricsService) handleImageCacheMiss(event domain.Event) {
	m.imageCacheMisses.Inc()
}

func (m *MetricsService) handleNotificationSent(event domain.Event) {
	m.notificationsTotal.WithLabelValues("sent").Inc()
}

func (m *MetricsService) handleNotificationFailed(event domain.Event) {
	m.notificationsTotal.WithLabelValues("failed").Inc()
}

// observeRunDuration records how long a run took, if its start was seen.
func (m *MetricsService) observeRunDuration(runID string) {
	m.mu.Lock()
	start, ok := m.runStarts[runID]
	if ok {
		delete(m.runStarts, runID)
	}
	m.mu.Unlock()

	if ok {
		m.syncDuration.Observe(time.Since(start).Seconds())
	}
}
