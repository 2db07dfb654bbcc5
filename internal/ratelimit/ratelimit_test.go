package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nirbhaya/internal/clock"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLimiterAllow(t *testing.T) {
	clk := clock.NewManual(epoch)
	limiter := NewWithClock(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute}, clk)
	defer limiter.Stop()

	key := "test-ip"

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(key), "request %d should be allowed (within burst)", i)
	}
	assert.False(t, limiter.Allow(key), "request after burst should be denied")

	// 1 token per second at 60/min.
	clk.Advance(time.Second)
	assert.True(t, limiter.Allow(key))
	assert.False(t, limiter.Allow(key))
}

func TestLimiterMultipleClients(t *testing.T) {
	clk := clock.NewManual(epoch)
	limiter := NewWithClock(Config{RequestsPerMinute: 60, BurstSize: 3}, clk)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
	assert.Equal(t, 2, limiter.Keys())
}

func TestLimiter_DevicePingBudget(t *testing.T) {
	clk := clock.NewManual(epoch)
	limiter := NewWithClock(DefaultConfig(), clk)
	defer limiter.Stop()

	allowed := 0
	for i := 0; i < 150; i++ {
		if limiter.Allow("device-1") {
			allowed++
		}
	}
	assert.Equal(t, 100, allowed)

	clk.Advance(time.Minute)
	assert.True(t, limiter.Allow("device-1"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100, cfg.RequestsPerMinute)
	assert.Equal(t, 100, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestKeyedMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := clock.NewManual(epoch)
	limiter := NewWithClock(Config{RequestsPerMinute: 60, BurstSize: 1}, clk)
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.KeyedMiddleware(func(c *gin.Context) string { return c.GetHeader("X-Device") }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(device string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if device != "" {
			req.Header.Set("X-Device", device)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
	// No key, no limiting.
	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusOK, do(""))
}
