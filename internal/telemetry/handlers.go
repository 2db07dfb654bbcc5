package telemetry

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/auth"
	"github.com/mbd888/nirbhaya/internal/geo"
)

// Ping cadence the client is told to use next, in seconds. Jitter spreads
// devices so they do not report in lockstep.
const (
	minPingInterval = 30
	maxPingInterval = 60
)

// Allower is a keyed rate limiter.
type Allower interface {
	Allow(key string) bool
}

// Handler serves the telemetry HTTP API.
type Handler struct {
	svc     *Service
	limiter Allower
}

// NewHandler creates a telemetry handler. limiter may be nil.
func NewHandler(svc *Service, limiter Allower) *Handler {
	return &Handler{svc: svc, limiter: limiter}
}

// RegisterRoutes sets up the public telemetry endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/telemetry/nearby", h.NearbyCount)
}

// RegisterProtectedRoutes sets up endpoints that act for a device
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/telemetry/ping", h.Ping)
	r.DELETE("/telemetry/:entity", auth.RequireSelf("entity"), h.OptOut)
}

// PingRequest is a single device position report. DeviceID defaults to the
// authenticated device; only operators may name another.
type PingRequest struct {
	DeviceID  string     `json:"device_id"`
	Lat       *float64   `json:"lat"`
	Lon       *float64   `json:"lon"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
}

// PingResponse acknowledges a ping.
type PingResponse struct {
	Status           string `json:"status"`
	NextPingInterval int    `json:"next_ping_interval"`
}

// Ping ingests one position.
// POST /v1/telemetry/ping
func (h *Handler) Ping(c *gin.Context) {
	caller, ok := auth.Require(c, "telemetry.put")
	if !ok {
		return
	}
	var req PingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("telemetry.put", "", "invalid JSON body"))
		return
	}
	if req.DeviceID == "" && caller.Role == auth.RoleDevice {
		req.DeviceID = caller.Subject
	}
	if req.DeviceID != "" && !caller.CanActFor(req.DeviceID) {
		auth.Forbid(c, "telemetry.put", req.DeviceID)
		return
	}
	if req.Lat == nil || req.Lon == nil {
		apperr.Respond(c, apperr.Validation("telemetry.put", req.DeviceID, "lat and lon are required"))
		return
	}

	if h.limiter != nil && req.DeviceID != "" && !h.limiter.Allow("ping:"+req.DeviceID) {
		pingsTotal.WithLabelValues("rate_limited").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many pings from this device.",
			"retry_after": minPingInterval,
		})
		return
	}

	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	var accuracy float64
	if req.Accuracy != nil {
		if *req.Accuracy <= 0 {
			apperr.Respond(c, apperr.Validation("telemetry.put", req.DeviceID, "accuracy must be positive"))
			return
		}
		accuracy = *req.Accuracy
	}

	loc := geo.Point{Lat: *req.Lat, Lon: *req.Lon}
	if err := h.svc.Put(c.Request.Context(), req.DeviceID, loc, at, accuracy); err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, PingResponse{
		Status:           "ok",
		NextPingInterval: minPingInterval + rand.IntN(maxPingInterval-minPingInterval+1), //nolint:gosec // jitter, not security
	})
}

// OptOut removes an entity's position immediately.
// DELETE /v1/telemetry/:entity
func (h *Handler) OptOut(c *gin.Context) {
	if err := h.svc.Remove(c.Request.Context(), c.Param("entity")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// NearbyCount reports how many devices are live within a radius. Only the
// count leaves the service.
// GET /v1/telemetry/nearby?lat=..&lon=..&radius=..
func (h *Handler) NearbyCount(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lon, err2 := strconv.ParseFloat(c.Query("lon"), 64)
	if err1 != nil || err2 != nil {
		apperr.Respond(c, apperr.Validation("telemetry.query", "", "lat and lon must be numbers"))
		return
	}
	radius := 50.0
	if v := c.Query("radius"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r > MaxQueryRadiusM {
			apperr.Respond(c, apperr.Validation("telemetry.query", "", "radius must be a number up to 1000"))
			return
		}
		radius = r
	}

	results, err := h.svc.RadiusQuery(c.Request.Context(), geo.Point{Lat: lat, Lon: lon}, radius)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(results), "radius_m": radius})
}
