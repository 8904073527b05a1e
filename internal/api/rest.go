// Package api provides the REST API handlers and server for Chronicarr.
// It includes endpoints for managing providers, sync runs, the media
// library, schedules, notifications, and real-time updates via WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Chronicarr/internal/config"
	"github.com/mescon/Chronicarr/internal/crypto"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/metadata"
	"github.com/mescon/Chronicarr/internal/metrics"
	"github.com/mescon/Chronicarr/internal/notifier"
	"github.com/mescon/Chronicarr/internal/providers"
	"github.com/mescon/Chronicarr/internal/services"
)

type RESTServer struct {
	router        *gin.Engine
	httpServer    *http.Server
	db            *sql.DB
	eventBus      *eventbus.EventBus
	registry      *providers.Registry
	syncService   *services.SyncService
	scheduler     *services.SchedulerService
	notifier      *notifier.Notifier
	metrics       *metrics.MetricsService
	healthMonitor *services.HealthMonitorService
	images        *metadata.ImageCache
	hub           *WebSocketHub
	startTime     time.Time
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	DB            *sql.DB
	EventBus      *eventbus.EventBus
	Registry      *providers.Registry
	Sync          *services.SyncService
	Scheduler     *services.SchedulerService
	Notifier      *notifier.Notifier
	Metrics       *metrics.MetricsService
	HealthMonitor *services.HealthMonitorService
	Images        *metadata.ImageCache
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Set Gin to release mode for production (suppresses debug warnings)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		// Use existing request ID from header if provided, otherwise generate one
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	// Custom recovery middleware with enhanced logging
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	// CORS middleware - configurable via CHRONICARR_CORS_ORIGIN env var
	// If not set, defaults to same-origin (no CORS header = browser enforces same-origin)
	// Set to "*" only for development, or specify allowed origins comma-separated
	corsOrigins := os.Getenv("CHRONICARR_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// Only set CORS headers if origin is allowed
		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		// If no match, don't set Access-Control-Allow-Origin (same-origin policy applies)

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s := &RESTServer{
		router:        r,
		db:            deps.DB,
		eventBus:      deps.EventBus,
		registry:      deps.Registry,
		syncService:   deps.Sync,
		scheduler:     deps.Scheduler,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		healthMonitor: deps.HealthMonitor,
		images:        deps.Images,
		hub:           NewWebSocketHub(deps.EventBus),
		startTime:     time.Now(),
	}

	s.setupRoutes()

	return s
}

// routeNotificationByID is the route path for notification operations by ID
const routeNotificationByID = "/config/notifications/:id"

func (s *RESTServer) setupRoutes() {
	cfg := config.Get()
	basePath := cfg.BasePath

	// Prometheus metrics endpoint at root level (standard convention, not behind base path)
	// This makes it easy for Prometheus to discover and scrape without knowing the base path
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Create a group for the base path (or use root if basePath is "/")
	var base *gin.RouterGroup
	if basePath == "/" {
		base = s.router.Group("")
	} else {
		base = s.router.Group(basePath)
		// Redirect root to base path
		s.router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, basePath)
		})
	}

	// Cached poster art (no authentication; served to <img> tags)
	if s.images != nil {
		base.GET(metadata.PublicImagePrefix+"/*path", s.serveCachedImage)
	}

	api := base.Group("/api")
	{
		// Health check endpoint (no authentication required)
		api.GET("/health", s.handleHealth)

		// System info endpoint (no authentication required - useful for debugging)
		api.GET("/system/info", s.handleSystemInfo)

		// Prometheus metrics endpoint (no authentication required for scraping)
		api.GET("/metrics", gin.WrapH(s.metrics.Handler()))

		// Public auth endpoints with rate limiting
		api.POST("/auth/setup", SetupLimiter.Middleware(), s.handleAuthSetup)
		api.POST("/auth/login", LoginLimiter.Middleware(), s.handleLogin)
		api.GET("/auth/status", s.handleAuthStatus)

		// Protected endpoints (require the API key)
		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			// Auth management
			protected.GET("/auth/key", s.getAPIKey)
			protected.POST("/auth/regenerate", s.regenerateAPIKey)
			protected.POST("/auth/password", s.changePassword)

			// Provider instances
			protected.GET("/config/providers", s.getProviders)
			protected.POST("/config/providers", s.createProvider)
			protected.POST("/config/providers/test", s.testProvider)
			protected.PUT("/config/providers/:id", s.updateProvider)
			protected.DELETE("/config/providers/:id", s.deleteProvider)
			protected.POST("/config/providers/:id/device", s.startTraktDeviceAuth)
			protected.POST("/config/providers/:id/device/token", s.pollTraktDeviceToken)
			protected.POST("/config/providers/:id/breaker/reset", s.resetProviderBreaker)

			// Sync schedules
			protected.GET("/config/schedules", s.getSchedules)
			protected.POST("/config/schedules", s.addSchedule)
			protected.PUT("/config/schedules/:id", s.updateSchedule)
			protected.DELETE("/config/schedules/:id", s.deleteSchedule)

			// Notifications
			protected.GET("/config/notifications", s.getNotifications)
			protected.POST("/config/notifications", s.createNotification)
			protected.PUT(routeNotificationByID, s.updateNotification)
			protected.DELETE(routeNotificationByID, s.deleteNotification)
			protected.POST("/config/notifications/test", s.testNotification)
			protected.GET("/config/notifications/events", s.getNotificationEvents)
			protected.GET(routeNotificationByID+"/log", s.getNotificationLog)
			protected.GET(routeNotificationByID, s.getNotification)

			// Sync runs
			protected.POST("/sync", s.triggerSync)
			protected.GET("/sync/runs", s.getSyncRuns)
			protected.GET("/sync/runs/:run_id", s.getSyncRun)

			// Library
			protected.GET("/media", s.getMedia)
			protected.PUT("/media/:id/ignore", s.setMediaIgnored)
			protected.PUT("/media/:id/favorite", s.setMediaFavorite)
			protected.GET("/history", s.getHistory)

			// Real-time stream
			protected.GET("/ws", func(c *gin.Context) {
				s.hub.HandleConnection(c)
			})

			// Logs
			protected.GET("/logs/recent", s.handleRecentLogs)
			protected.GET("/logs/download", s.handleDownloadLogs)
		}
	}

	// JSON only; there is no web UI to fall back to
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get token from header
		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = c.GetHeader("Authorization")
			// Remove "Bearer " prefix if present
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}

		// Also check query parameter (for WebSockets)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			token = c.Query("apikey")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			c.Abort()
			return
		}

		// Verify token matches stored API key
		var encryptedKey string
		err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'api_key'").Scan(&encryptedKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication error"})
			c.Abort()
			return
		}

		// Decrypt the stored API key
		storedKey, err := crypto.Decrypt(encryptedKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication error"})
			c.Abort()
			return
		}

		// Use constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(token), []byte(storedKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
