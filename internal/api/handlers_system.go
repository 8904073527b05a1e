package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Chronicarr/internal/config"
)

// SystemInfo contains runtime environment information
type SystemInfo struct {
	Version     string           `json:"version"`
	Environment string           `json:"environment"` // "docker" or "native"
	OS          string           `json:"os"`
	Arch        string           `json:"arch"`
	GoVersion   string           `json:"go_version"`
	Uptime      string           `json:"uptime"`
	UptimeSecs  int64            `json:"uptime_seconds"`
	StartedAt   time.Time        `json:"started_at"`
	Config      SystemConfigInfo `json:"config"`
	Links       SystemLinks      `json:"links"`
}

// SystemConfigInfo contains configuration details
type SystemConfigInfo struct {
	Port               string  `json:"port"`
	BasePath           string  `json:"base_path"`
	BasePathSource     string  `json:"base_path_source"`
	LogLevel           string  `json:"log_level"`
	DataDir            string  `json:"data_dir"`
	DatabasePath       string  `json:"database_path"`
	LogDir             string  `json:"log_dir"`
	ImageCacheDir      string  `json:"image_cache_dir"`
	DefaultRecentLimit int     `json:"default_recent_limit"`
	SyncOnStart        bool    `json:"sync_on_start"`
	SyncTimeout        string  `json:"sync_timeout"`
	RetentionDays      int     `json:"retention_days"`
	RateLimitRPS       float64 `json:"provider_rate_limit_rps"`
	RateLimitBurst     int     `json:"provider_rate_limit_burst"`
	TMDBConfigured     bool    `json:"tmdb_configured"`
}

// SystemLinks contains useful links
type SystemLinks struct {
	GitHub   string `json:"github"`
	Issues   string `json:"issues"`
	Releases string `json:"releases"`
}

// handleHealth reports service liveness plus the health monitor's view of
// the database, providers, and circuit breakers.
func (s *RESTServer) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":  "ok",
		"version": config.Version,
		"uptime":  int64(time.Since(s.startTime).Seconds()),
	}

	if err := s.db.Ping(); err != nil {
		status["status"] = "degraded"
		status["database_error"] = err.Error()
	}

	if s.syncService != nil {
		status["sync_running"] = s.syncService.Running()
	}
	if s.scheduler != nil {
		status["active_schedules"] = s.scheduler.JobCount()
	}
	if s.healthMonitor != nil {
		status["health"] = s.healthMonitor.GetHealthStatus()
	}
	status["websocket_clients"] = s.hub.ClientCount()

	code := http.StatusOK
	if status["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// handleSystemInfo returns runtime environment information
func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	cfg := config.Get()
	uptime := time.Since(s.startTime)

	// Determine environment
	environment := "native"
	if isDockerEnvironment() {
		environment = "docker"
	}

	// Format uptime
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	var uptimeStr string
	if days > 0 {
		uptimeStr = fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		uptimeStr = fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		uptimeStr = fmt.Sprintf("%dm", minutes)
	}

	info := SystemInfo{
		Version:     config.Version,
		Environment: environment,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		Uptime:      uptimeStr,
		UptimeSecs:  int64(uptime.Seconds()),
		StartedAt:   s.startTime,
		Config: SystemConfigInfo{
			Port:               cfg.Port,
			BasePath:           cfg.BasePath,
			BasePathSource:     cfg.BasePathSource,
			LogLevel:           cfg.LogLevel,
			DataDir:            cfg.DataDir,
			DatabasePath:       cfg.DatabasePath,
			LogDir:             cfg.LogDir,
			ImageCacheDir:      cfg.ImageCacheDir,
			DefaultRecentLimit: cfg.DefaultRecentLimit,
			SyncOnStart:        cfg.SyncOnStart,
			SyncTimeout:        cfg.SyncTimeout.String(),
			RetentionDays:      cfg.RetentionDays,
			RateLimitRPS:       cfg.ProviderRateLimitRPS,
			RateLimitBurst:     cfg.ProviderRateLimitBurst,
			TMDBConfigured:     cfg.TMDBAPIKey != "",
		},
		Links: SystemLinks{
			GitHub:   "https://github.com/mescon/Chronicarr",
			Issues:   "https://github.com/mescon/Chronicarr/issues",
			Releases: "https://github.com/mescon/Chronicarr/releases",
		},
	}

	c.JSON(http.StatusOK, info)
}

// isDockerEnvironment checks if we're running inside a Docker container
func isDockerEnvironment() bool {
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	// Check cgroup for docker/containerd
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") || strings.Contains(content, "containerd") {
			return true
		}
	}

	// Check for /run/.containerenv (podman)
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}

	return false
}
