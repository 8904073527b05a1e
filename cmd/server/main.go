package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mescon/Chronicarr/internal/api"
	"github.com/mescon/Chronicarr/internal/config"
	"github.com/mescon/Chronicarr/internal/db"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/metadata"
	"github.com/mescon/Chronicarr/internal/metrics"
	"github.com/mescon/Chronicarr/internal/notifier"
	"github.com/mescon/Chronicarr/internal/providers"
	"github.com/mescon/Chronicarr/internal/services"
)

func main() {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (CHRONICARR_*)
	flagPort := flag.String("port", "", "HTTP server port (env: CHRONICARR_PORT, default: 3072)")
	flagBasePath := flag.String("base-path", "", "URL base path for reverse proxy (env: CHRONICARR_BASE_PATH, default: /)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: CHRONICARR_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: CHRONICARR_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: CHRONICARR_DATABASE_PATH)")
	flagRecentLimit := flag.Int("recent-limit", 0, "Default items fetched per user per sync (env: CHRONICARR_DEFAULT_RECENT_LIMIT, default: 10)")
	flagSyncOnStart := flag.Bool("sync-on-start", false, "Run a full sync immediately after startup (env: CHRONICARR_SYNC_ON_START)")
	flagSyncTimeout := flag.Duration("sync-timeout", 0, "Max duration of one sync run (env: CHRONICARR_SYNC_TIMEOUT, default: 30m)")
	flagRateLimitRPS := flag.Float64("provider-rate-limit", 0, "Max requests per second to provider APIs (env: CHRONICARR_PROVIDER_RATE_LIMIT_RPS, default: 5)")
	flagRateLimitBurst := flag.Int("provider-rate-burst", 0, "Burst size for provider rate limiting (env: CHRONICARR_PROVIDER_RATE_LIMIT_BURST, default: 10)")
	flagTMDBAPIKey := flag.String("tmdb-api-key", "", "TMDB API read access token for enrichment (env: CHRONICARR_TMDB_API_KEY)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep old sync runs and events, 0 to disable pruning (env: CHRONICARR_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Chronicarr %s\n", config.Version)
		os.Exit(0)
	}

	// Load configuration from environment variables (initial load, refreshed after flags)
	config.Load()

	// Apply command-line flag overrides
	flagOverrides := config.FlagOverrides{
		Port:               flagPort,
		BasePath:           flagBasePath,
		LogLevel:           flagLogLevel,
		DataDir:            flagDataDir,
		DatabasePath:       flagDatabasePath,
		DefaultRecentLimit: flagRecentLimit,
		SyncOnStart:        flagSyncOnStart,
		SyncTimeout:        flagSyncTimeout,
		RateLimitRPS:       flagRateLimitRPS,
		RateLimitBurst:     flagRateLimitBurst,
		TMDBAPIKey:         flagTMDBAPIKey,
	}
	// Special handling for retention days: -1 means not set (use default), 0 means disable
	if *flagRetentionDays >= 0 {
		flagOverrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(flagOverrides)

	// Refresh config after applying flags
	cfg := config.Get()

	// Initialize logger with configured log directory
	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Chronicarr %s...", config.Version)
	logger.Infof("Watch history sync for Jellyfin, Plex and Trakt")
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Log Directory: %s", cfg.LogDir)
	logger.Infof("  Image Cache: %s", cfg.ImageCacheDir)
	logger.Infof("  Default Recent Limit: %d items per user", cfg.DefaultRecentLimit)
	logger.Infof("  Sync Timeout: %s", cfg.SyncTimeout)
	logger.Infof("  Provider API Rate Limit: %.1f req/s (burst: %d)", cfg.ProviderRateLimitRPS, cfg.ProviderRateLimitBurst)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}

	// Initialize Database
	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Infof("✓ Database initialized successfully")

	// Create a database backup on startup
	if backupPath, err := repo.Backup(cfg.DatabasePath); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Database backup created: %s", backupPath)
	}

	// Start scheduled backup goroutine (every 6 hours)
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := repo.Backup(cfg.DatabasePath); err != nil {
				logger.Errorf("Scheduled backup failed: %v", err)
			}
		}
	}()

	// Start scheduled maintenance goroutine (daily at 3 AM local time)
	go func() {
		retentionDays := cfg.RetentionDays
		for {
			now := time.Now()
			next3AM := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
			if now.After(next3AM) {
				next3AM = next3AM.Add(24 * time.Hour)
			}
			sleepDuration := next3AM.Sub(now)
			logger.Debugf("Next database maintenance scheduled in %v", sleepDuration)

			time.Sleep(sleepDuration)

			if err := repo.RunMaintenance(retentionDays); err != nil {
				logger.Errorf("Scheduled maintenance failed: %v", err)
			}
		}
	}()

	// Settings stored in the database (base path, TMDB key) fill in
	// whatever the environment left unset
	config.LoadSettingsFromDB(repo.DB)
	cfg = config.Get()
	logger.Infof("  Base Path: %s (source: %s)", cfg.BasePath, cfg.BasePathSource)

	// Initialize Event Bus
	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus(repo.DB)
	logger.Infof("✓ Event Bus initialized")

	// Provider registry builds clients for the configured Jellyfin, Plex
	// and Trakt instances
	logger.Infof("Initializing Provider Registry...")
	registry := providers.NewRegistry(repo.DB)
	logger.Infof("✓ Provider Registry initialized")

	// TMDB enrichment and the local poster cache
	tmdb := metadata.NewTMDBClient(cfg.TMDBAPIKey)
	if tmdb.Enabled() {
		logger.Infof("✓ TMDB enrichment enabled")
	} else {
		logger.Infof("⚠ TMDB enrichment disabled (no API key configured)")
	}
	images, err := metadata.NewImageCache(cfg.ImageCacheDir)
	if err != nil {
		logger.Errorf("Failed to initialize image cache: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Image cache at %s", images.BaseDir())

	// Initialize Services
	logger.Infof("Initializing core services...")
	library := services.NewLibraryStore(repo.DB, tmdb, images, eb)
	logger.Infof("✓ Library Store (canonical media and watch history)")

	syncService := services.NewSyncService(repo.DB, registry, library, eb)
	logger.Infof("✓ Sync Service (pulls watch history from providers)")

	schedulerService := services.NewSchedulerService(repo.DB, syncService)
	logger.Infof("✓ Scheduler Service (cron-based syncs)")

	healthMonitor := services.NewHealthMonitorService(repo.DB, eb, registry)
	logger.Infof("✓ Health Monitor (database, providers, stuck runs)")

	// Initialize Notifier Service
	logger.Infof("Initializing Notification Service...")
	notifierService := notifier.NewNotifier(repo.DB, eb)
	if err := notifierService.Start(); err != nil {
		logger.Errorf("Failed to start notification service: %v", err)
		// Non-fatal - continue without notifications
	} else {
		logger.Infof("✓ Notification Service (alerts for events)")
	}

	// Initialize Metrics Service (Prometheus metrics)
	logger.Infof("Initializing Metrics Service...")
	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	// Mark runs interrupted by the previous shutdown as failed
	logger.Infof("Checking for interrupted sync runs...")
	recovery := services.NewRecoveryService(repo.DB, eb)
	if err := recovery.RecoverInterruptedRuns(); err != nil {
		logger.Errorf("Failed to recover interrupted runs: %v", err)
	}

	// Start background services
	logger.Infof("Starting background services...")
	schedulerService.Start()
	healthMonitor.Start()
	logger.Infof("✓ All background services started")

	// Start API Server
	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		DB:            repo.DB,
		EventBus:      eb,
		Registry:      registry,
		Sync:          syncService,
		Scheduler:     schedulerService,
		Notifier:      notifierService,
		Metrics:       metricsService,
		HealthMonitor: healthMonitor,
		Images:        images,
	})
	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	if cfg.SyncOnStart {
		go func() {
			logger.Infof("Sync on start enabled, running initial sync...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.SyncTimeout)
			defer cancel()
			if _, err := syncService.Sync(ctx); err != nil {
				logger.Errorf("Initial sync failed: %v", err)
			}
		}()
	}

	logger.Infof("========================================")
	logger.Infof("✓ Chronicarr %s started successfully", config.Version)
	logger.Infof("✓ Server listening on port %s", cfg.Port)
	if cfg.BasePath != "/" {
		logger.Infof("✓ API served under base path: %s", cfg.BasePath)
	}
	logger.Infof("========================================")

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("========================================")
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof("========================================")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown in reverse order of startup
	logger.Infof("Stopping Scheduler Service...")
	schedulerService.Stop()
	logger.Infof("✓ Scheduler Service stopped")

	logger.Infof("Stopping Health Monitor...")
	healthMonitor.Shutdown()
	logger.Infof("✓ Health Monitor stopped")

	logger.Infof("Stopping Notification Service...")
	notifierService.Stop()
	logger.Infof("✓ Notification Service stopped")

	logger.Infof("Stopping Event Bus...")
	eb.Shutdown()
	logger.Infof("✓ Event Bus stopped")

	logger.Infof("Stopping API Server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	logger.Infof("Closing database connection...")
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}

	logger.Infof("========================================")
	logger.Infof("✓ Chronicarr shutdown complete")
	logger.Infof("========================================")
}
