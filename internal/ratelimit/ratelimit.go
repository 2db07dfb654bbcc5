// Package ratelimit provides keyed token-bucket rate limiting for the API
// and for per-device ping ingestion.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/nirbhaya/internal/clock"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle keys are forgotten
	CleanupInterval time.Duration
}

// DefaultConfig returns the per-device ping budget: 100 per minute.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 100,
		BurstSize:         100,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks one rate.Limiter per key
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	limit   rate.Limit
	mu      sync.Mutex
	clients map[string]*visitor
	stop    chan struct{}
	once    sync.Once
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New creates a rate limiter on the wall clock.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, clock.Real())
}

// NewWithClock creates a rate limiter whose buckets refill on clk.
func NewWithClock(cfg Config, clk clock.Clock) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   clk,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		clients: make(map[string]*visitor),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup forgets keys idle for two minutes; a fresh bucket starts full,
// which is what an idle bucket would have refilled to anyway.
func (l *Limiter) cleanup() {
	ticker := l.clock.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			cutoff := l.clock.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, v := range l.clients {
				if v.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether one more event for key fits in its bucket
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	v, ok := l.clients[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.clients[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.lim.AllowN(now, 1)
}

// Keys reports how many keys are tracked.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware returns a Gin middleware that rate limits by client IP, or by
// bearer credential when one is presented.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return l.KeyedMiddleware(func(c *gin.Context) string {
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			return "auth:" + apiKey[:min(20, len(apiKey))]
		}
		return c.ClientIP()
	})
}

// KeyedMiddleware rate limits by the key keyFn extracts. An empty key skips
// limiting.
func (l *Limiter) KeyedMiddleware(keyFn func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key != "" && !l.Allow(key) {
			RejectTooMany(c)
			return
		}
		c.Next()
	}
}

// RejectTooMany writes the standard 429 body and aborts.
func RejectTooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please slow down.",
		"retry_after": 1,
	})
}
