// Package metrics provides the process-wide Prometheus instrumentation:
// HTTP traffic, WebSocket clients and backing-store pool statistics.
// Engine-specific metrics live next to the engines.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nirbhaya",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nirbhaya",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nirbhaya",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// RedisPoolConnections tracks Redis pool connections by state.
	RedisPoolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nirbhaya", Name: "redis_pool_connections",
		Help: "Redis pool connections by state.",
	}, []string{"state"})
	// RedisPoolTimeouts tracks pool wait timeouts.
	RedisPoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya", Name: "redis_pool_timeouts_total",
		Help: "Times a caller timed out waiting for a Redis connection.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		RedisPoolConnections,
		RedisPoolTimeouts,
		GoroutineCount,
	)
}

// PoolSources are the pools sampled by StartPoolStatsCollector. Either may
// be nil.
type PoolSources struct {
	DB    *sql.DB
	Redis *redis.Client
}

// StartPoolStatsCollector periodically samples pool statistics and the
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
func StartPoolStatsCollector(ctx context.Context, src PoolSources, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sample(src)
		}
	}
}

// Sample records one reading of every configured pool.
func Sample(src PoolSources) {
	if src.DB != nil {
		stats := src.DB.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
		DBWaitDuration.Set(stats.WaitDuration.Seconds())
	}
	if src.Redis != nil {
		stats := src.Redis.PoolStats()
		RedisPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns))
		RedisPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns))
		RedisPoolTimeouts.Set(float64(stats.Timeouts))
	}
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern, not the raw path
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
