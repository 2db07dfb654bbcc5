package radar

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/auth"
	"github.com/mbd888/nirbhaya/internal/geo"
)

// Handler serves the SOS API.
type Handler struct {
	engine *Engine
}

// NewHandler creates an SOS handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the public SOS endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sos/near", h.Near)
}

// RegisterProtectedRoutes sets up the endpoints that act for the activator
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/sos/activate", h.Activate)
	r.POST("/sos/:id/deactivate", h.Deactivate)
	r.GET("/sos/:id/radar", h.Radar)
	r.POST("/sos/:id/report", h.Report)
}

// ownedSession resolves the geofence behind :id and checks that the caller
// activated it. It writes the error response and returns false otherwise.
func (h *Handler) ownedSession(c *gin.Context, op string) (string, bool) {
	caller, ok := auth.Require(c, op)
	if !ok {
		return "", false
	}
	id := c.Param("id")
	g, err := h.engine.Geofence(id)
	if err != nil {
		apperr.Respond(c, err)
		return "", false
	}
	if !caller.CanActFor(g.EntityID) {
		auth.Forbid(c, op, id)
		return "", false
	}
	return id, true
}

// ActivateRequest starts an SOS. EntityID defaults to the authenticated
// device; only operators may name another.
type ActivateRequest struct {
	EntityID string     `json:"entity_id"`
	Location *geo.Point `json:"location"`
}

// Activate opens a geofence and returns the first radar snapshot.
// POST /v1/sos/activate
func (h *Handler) Activate(c *gin.Context) {
	caller, ok := auth.Require(c, "radar.activate")
	if !ok {
		return
	}
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("radar.activate", "", "invalid JSON body"))
		return
	}
	if req.EntityID == "" && caller.Role == auth.RoleDevice {
		req.EntityID = caller.Subject
	}
	if req.EntityID != "" && !caller.CanActFor(req.EntityID) {
		auth.Forbid(c, "radar.activate", req.EntityID)
		return
	}
	if req.Location == nil {
		apperr.Respond(c, apperr.Validation("radar.activate", req.EntityID, "location is required"))
		return
	}

	out, err := h.engine.Activate(c.Request.Context(), req.EntityID, *req.Location)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusCreated
	if out.Existing {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

// DeactivateRequest ends an SOS. Reason is authoritative.
type DeactivateRequest struct {
	Reason   string     `json:"reason"`
	Location *geo.Point `json:"location"`
}

// Deactivate closes a geofence.
// POST /v1/sos/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	id, ok := h.ownedSession(c, "radar.deactivate")
	if !ok {
		return
	}
	var req DeactivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("radar.deactivate", id, "invalid JSON body"))
		return
	}

	summary, err := h.engine.Deactivate(c.Request.Context(), id, Reason(req.Reason), req.Location)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Radar returns the latest snapshot.
// GET /v1/sos/:id/radar
func (h *Handler) Radar(c *gin.Context) {
	id, ok := h.ownedSession(c, "radar.snapshot")
	if !ok {
		return
	}
	snap, err := h.engine.Snapshot(id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ReportRequest names a member seen on the radar.
type ReportRequest struct {
	AnonID string `json:"anon_id"`
}

// Report files a trust report against a radar member. The reporter is the
// authenticated activator.
// POST /v1/sos/:id/report
func (h *Handler) Report(c *gin.Context) {
	caller, ok := auth.Require(c, "radar.report")
	if !ok {
		return
	}
	id := c.Param("id")
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("radar.report", id, "invalid JSON body"))
		return
	}
	if err := h.engine.ReportMember(c.Request.Context(), id, caller.Subject, req.AnonID); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"geofence_id": id, "status": "reported"})
}

// Near lists active geofences containing a point.
// GET /v1/sos/near?lat=..&lon=..
func (h *Handler) Near(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lon, err2 := strconv.ParseFloat(c.Query("lon"), 64)
	if err1 != nil || err2 != nil {
		apperr.Respond(c, apperr.Validation("radar.near", "", "lat and lon must be numbers"))
		return
	}
	fences, err := h.engine.ActiveNear(geo.Point{Lat: lat, Lon: lon})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"geofences": fences, "count": len(fences)})
}
