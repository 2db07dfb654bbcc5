package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/auth"
	"github.com/mbd888/nirbhaya/internal/health"
	"github.com/mbd888/nirbhaya/internal/logging"
	"github.com/mbd888/nirbhaya/internal/metrics"
	"github.com/mbd888/nirbhaya/internal/radar"
	"github.com/mbd888/nirbhaya/internal/ratelimit"
	"github.com/mbd888/nirbhaya/internal/routes"
	"github.com/mbd888/nirbhaya/internal/security"
	"github.com/mbd888/nirbhaya/internal/telemetry"
	"github.com/mbd888/nirbhaya/internal/trust"
	"github.com/mbd888/nirbhaya/internal/validation"
	"github.com/mbd888/nirbhaya/internal/zones"
)

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.apiLimiter = ratelimit.NewWithClock(ratelimit.Config{
		RequestsPerMinute: apiRequestsPerMinute,
		BurstSize:         apiRequestsPerMinute / 10,
		CleanupInterval:   time.Minute,
	}, s.clock)
	s.router.Use(s.apiLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.health.ReadyHandler())
	s.router.GET("/metrics", metrics.Handler())

	// Live event stream: zone snapshots for everyone, radar snapshots and
	// geofence transitions for clients subscribed to a geofence id.
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("entity", "id"))
	v1.Use(auth.Middleware(s.authMgr))
	{
		s.pingLimiter = ratelimit.NewWithClock(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			BurstSize:         s.cfg.RateLimitPerMinute,
			CleanupInterval:   time.Minute,
		}, s.clock)

		authHandler := auth.NewHandler(s.authMgr)
		telemetryHandler := telemetry.NewHandler(s.positions, s.pingLimiter)
		trustHandler := trust.NewHandler(s.ledger, s.incidents)
		radarHandler := radar.NewHandler(s.radar)

		// Public reads
		authHandler.RegisterRoutes(v1)
		telemetryHandler.RegisterRoutes(v1)
		zones.NewHandler(s.zoneStore).RegisterRoutes(v1)
		routes.NewHandler(s.scorer).RegisterRoutes(v1)
		radarHandler.RegisterRoutes(v1)

		// Protected routes (device token or operator key)
		protected := v1.Group("")
		protected.Use(auth.RequireAuth())
		{
			authHandler.RegisterProtectedRoutes(protected)
			telemetryHandler.RegisterProtectedRoutes(protected)
			trustHandler.RegisterProtectedRoutes(protected)
			radarHandler.RegisterProtectedRoutes(protected)
		}

		// Operator routes
		trustHandler.RegisterOperatorRoutes(v1)
		v1.GET("/stats", auth.RequireRole(auth.RoleOperator), s.statsHandler)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the aggregate health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "nirbhaya",
		"description": "Location telemetry, crowd zones, route safety, SOS radar and trust scores",
		"version":     s.version,
	})
}

// statsHandler summarises live state for operators.
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_sos_sessions": s.radar.Active(),
		"live_zones":          len(s.zoneStore.List(nil)),
		"position_ttl_s":      int(s.positions.TTL().Seconds()),
		"realtime":            s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
