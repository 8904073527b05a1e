package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3072)
	Port string

	// BasePath is the URL base path for reverse proxy setups (default: "/")
	// Example: "/chronicarr" if hosting at domain.com/chronicarr/
	BasePath string

	// BasePathSource indicates where the base path came from: "environment", "database", or "default"
	BasePathSource string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DefaultRecentLimit is the history window for incremental syncs (default: 10)
	// Used when a provider row does not set its own recent_limit
	DefaultRecentLimit int

	// SyncOnStart triggers a full sync right after startup (default: false)
	SyncOnStart bool

	// SyncTimeout bounds a single sync run across all providers (default: 30m)
	SyncTimeout time.Duration

	// ProviderRateLimitRPS is the maximum requests per second to provider APIs (default: 5)
	// Keeps unbounded first syncs from hammering Jellyfin/Plex/Trakt
	ProviderRateLimitRPS float64

	// ProviderRateLimitBurst is the burst size for provider rate limiting (default: 10)
	ProviderRateLimitBurst int

	// TMDBAPIKey is the TMDB read access token used for enrichment
	// Can also be stored in the settings table; the env var wins
	TMDBAPIKey string

	// RetentionDays is the number of days to keep old events and sync runs (default: 90)
	// Set to 0 to disable automatic pruning
	RetentionDays int

	// DataDir is the directory for persistent data (database, logs, backups, image cache)
	// Default: /config in Docker, ./config locally
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/chronicarr.db)
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// ImageCacheDir is where cached poster images live (default: <DataDir>/cache/images)
	ImageCacheDir string
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	basePath := getEnvOrDefault("CHRONICARR_BASE_PATH", "")
	basePathSource := "default"

	if basePath != "" {
		basePathSource = "environment"
	} else {
		basePath = "/"
	}
	basePath = normalizeBasePath(basePath)

	// Determine DataDir - this is where all persistent data lives
	// Default: ./config (relative to executable or cwd)
	// In Docker: /config is created automatically
	dataDir := getEnvOrDefault("CHRONICARR_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else {
			if execPath, err := os.Executable(); err == nil {
				dataDir = filepath.Join(filepath.Dir(execPath), "config")
			} else if cwd, err := os.Getwd(); err == nil {
				dataDir = filepath.Join(cwd, "config")
			} else {
				dataDir = "./config"
			}
		}
	}
	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("CHRONICARR_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "chronicarr.db")
	}

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	imageCacheDir := getEnvOrDefault("CHRONICARR_IMAGE_CACHE_DIR", "")
	if imageCacheDir == "" {
		imageCacheDir = filepath.Join(dataDir, "cache", "images")
	}

	cfg = &Config{
		Port:                   getEnvOrDefault("CHRONICARR_PORT", "3072"),
		BasePath:               basePath,
		BasePathSource:         basePathSource,
		LogLevel:               strings.ToLower(getEnvOrDefault("CHRONICARR_LOG_LEVEL", "info")),
		DefaultRecentLimit:     getEnvIntOrDefault("CHRONICARR_RECENT_LIMIT", 10),
		SyncOnStart:            getEnvBoolOrDefault("CHRONICARR_SYNC_ON_START", false),
		SyncTimeout:            getEnvDurationOrDefault("CHRONICARR_SYNC_TIMEOUT", 30*time.Minute),
		ProviderRateLimitRPS:   getEnvFloatOrDefault("CHRONICARR_PROVIDER_RATE_LIMIT_RPS", 5.0),
		ProviderRateLimitBurst: getEnvIntOrDefault("CHRONICARR_PROVIDER_RATE_LIMIT_BURST", 10),
		TMDBAPIKey:             getEnvOrDefault("CHRONICARR_TMDB_API_KEY", ""),
		RetentionDays:          getEnvIntOrDefault("CHRONICARR_RETENTION_DAYS", 90),
		DataDir:                dataDir,
		DatabasePath:           dbPath,
		LogDir:                 logDir,
		ImageCacheDir:          imageCacheDir,
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		cfg.LogLevel = "info"
	}

	if cfg.DefaultRecentLimit <= 0 {
		cfg.DefaultRecentLimit = 10
	}

	return cfg
}

func normalizeBasePath(basePath string) string {
	if basePath == "/" {
		return basePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

// LoadSettingsFromDB loads settings that may live in the database instead of the
// environment: base_path and tmdb_api_key. Environment values always win.
// Should be called after the database is initialized.
func LoadSettingsFromDB(db *sql.DB) {
	if cfg == nil {
		return
	}

	if cfg.BasePathSource != "environment" {
		var basePath string
		err := db.QueryRow("SELECT value FROM settings WHERE key = 'base_path'").Scan(&basePath)
		if err == nil && basePath != "" {
			cfg.BasePath = normalizeBasePath(basePath)
			cfg.BasePathSource = "database"
		}
	}

	if cfg.TMDBAPIKey == "" {
		var key string
		err := db.QueryRow("SELECT value FROM settings WHERE key = 'tmdb_api_key'").Scan(&key)
		if err == nil {
			cfg.TMDBAPIKey = key
		}
	}
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                   "8080",
		BasePath:               "/",
		BasePathSource:         "test",
		LogLevel:               "debug",
		DefaultRecentLimit:     10,
		SyncOnStart:            false,
		SyncTimeout:            30 * time.Minute,
		ProviderRateLimitRPS:   5,
		ProviderRateLimitBurst: 10,
		TMDBAPIKey:             "",
		RetentionDays:          90,
		DataDir:                "/tmp/chronicarr-test",
		DatabasePath:           "/tmp/chronicarr-test/chronicarr.db",
		LogDir:                 "/tmp/chronicarr-test/logs",
		ImageCacheDir:          "/tmp/chronicarr-test/cache/images",
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as a bool or the default if not set.
// Accepts "true", "1", "yes" as true values (case-insensitive).
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

// getEnvFloatOrDefault returns the environment variable as a float64 or the default if not set/invalid.
func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port               *string
	BasePath           *string
	LogLevel           *string
	DefaultRecentLimit *int
	SyncOnStart        *bool
	SyncTimeout        *time.Duration
	RateLimitRPS       *float64
	RateLimitBurst     *int
	RetentionDays      *int
	DataDir            *string
	DatabasePath       *string
	TMDBAPIKey         *string
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
// Only non-nil values with non-default flag values will override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.BasePath != nil && *flags.BasePath != "" {
		cfg.BasePath = normalizeBasePath(*flags.BasePath)
		cfg.BasePathSource = "flag"
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DefaultRecentLimit != nil && *flags.DefaultRecentLimit > 0 {
		cfg.DefaultRecentLimit = *flags.DefaultRecentLimit
	}
	if flags.SyncOnStart != nil {
		cfg.SyncOnStart = *flags.SyncOnStart
	}
	if flags.SyncTimeout != nil && *flags.SyncTimeout != 0 {
		cfg.SyncTimeout = *flags.SyncTimeout
	}
	if flags.RateLimitRPS != nil && *flags.RateLimitRPS != 0 {
		cfg.ProviderRateLimitRPS = *flags.RateLimitRPS
	}
	if flags.RateLimitBurst != nil && *flags.RateLimitBurst != 0 {
		cfg.ProviderRateLimitBurst = *flags.RateLimitBurst
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.TMDBAPIKey != nil && *flags.TMDBAPIKey != "" {
		cfg.TMDBAPIKey = *flags.TMDBAPIKey
	}
}
