package trust

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/auth"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/pagination"
)

// Handler serves trust records and incident reports.
type Handler struct {
	ledger    *Ledger
	incidents *Incidents
}

// NewHandler creates a trust handler
func NewHandler(ledger *Ledger, incidents *Incidents) *Handler {
	return &Handler{ledger: ledger, incidents: incidents}
}

// RegisterProtectedRoutes sets up the endpoints an entity uses for itself
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/trust/:entity", auth.RequireSelf("entity"), h.GetTrust)
	r.POST("/incidents", h.ReportIncident)
}

// RegisterOperatorRoutes sets up the moderation endpoints. Raw trust events
// bypass the flows that normally produce them, so only operators may post
// them.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/trust/:entity/events", auth.RequireRole(auth.RoleOperator), h.ApplyEvent)
	r.GET("/trust/:entity/verify", auth.RequireRole(auth.RoleOperator), h.Verify)
}

// GetTrust returns the record and one page of the audit trail.
// GET /v1/trust/:entity?limit=&cursor=
func (h *Handler) GetTrust(c *gin.Context) {
	entityID := c.Param("entity")
	ctx := c.Request.Context()

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, apperr.Validation("trust.get", entityID, "invalid cursor"))
		return
	}
	var beforeSeq int64
	if cur != nil {
		beforeSeq = cur.Seq
	}

	rec, err := h.ledger.Get(ctx, entityID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	limit := pagination.Limit(c.Query("limit"))
	entries, err := h.ledger.History(ctx, entityID, beforeSeq, limit+1)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e Entry) (time.Time, int64) {
		return e.At, e.Seq
	})

	c.JSON(http.StatusOK, gin.H{
		"record":      rec,
		"history":     page,
		"next_cursor": next,
		"has_more":    more,
	})
}

// ApplyEventRequest submits one trust event.
type ApplyEventRequest struct {
	EventType string `json:"event_type"`
	Reference string `json:"reference"`
}

// ApplyEvent applies a trust event to an entity.
// POST /v1/trust/:entity/events
func (h *Handler) ApplyEvent(c *gin.Context) {
	entityID := c.Param("entity")
	var req ApplyEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("trust.apply", entityID, "invalid JSON body"))
		return
	}

	out, err := h.ledger.Apply(c.Request.Context(), entityID, EventType(req.EventType), req.Reference)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Verify checks the stored record against a replay of its trail.
// GET /v1/trust/:entity/verify
func (h *Handler) Verify(c *gin.Context) {
	entityID := c.Param("entity")
	err := h.ledger.Verify(c.Request.Context(), entityID)
	var mm *MismatchError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"entity_id": entityID, "consistent": true})
	case errors.As(err, &mm):
		c.JSON(http.StatusOK, gin.H{
			"entity_id":      entityID,
			"consistent":     false,
			"stored_score":   mm.Stored,
			"replayed_score": mm.Replayed,
		})
	default:
		apperr.Respond(c, err)
	}
}

// ReportIncidentRequest is a filed incident. ReporterID defaults to the
// authenticated device; only operators may file for someone else.
type ReportIncidentRequest struct {
	ReporterID   string     `json:"reporter_id"`
	SuspectID    string     `json:"suspect_id"`
	IncidentType string     `json:"incident_type"`
	Location     *geo.Point `json:"location"`
	Description  string     `json:"description"`
}

// ReportIncident files an incident report.
// POST /v1/incidents
func (h *Handler) ReportIncident(c *gin.Context) {
	caller, ok := auth.Require(c, "trust.report_incident")
	if !ok {
		return
	}
	var req ReportIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("trust.report_incident", "", "invalid JSON body"))
		return
	}
	if req.ReporterID == "" && caller.Role == auth.RoleDevice {
		req.ReporterID = caller.Subject
	}
	if req.ReporterID != "" && !caller.CanActFor(req.ReporterID) {
		auth.Forbid(c, "trust.report_incident", req.ReporterID)
		return
	}
	if req.Location == nil {
		apperr.Respond(c, apperr.Validation("trust.report_incident", req.ReporterID, "location is required"))
		return
	}

	out, err := h.incidents.Report(c.Request.Context(), IncidentReport{
		ReporterID:  req.ReporterID,
		SuspectID:   req.SuspectID,
		Type:        IncidentType(req.IncidentType),
		Location:    *req.Location,
		Description: req.Description,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}
