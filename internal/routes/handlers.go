package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/geo"
)

// Handler serves the route safety API.
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a routes handler
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

// RegisterRoutes sets up route scoring endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/routes/score", h.Score)
	r.POST("/routes/analyze", h.Analyze)
	r.GET("/routes/cache", h.CacheStats)
}

// ScoreRequest carries caller-supplied polylines. Routes[0] is the primary.
type ScoreRequest struct {
	Origin      *geo.Point    `json:"origin"`
	Destination *geo.Point    `json:"destination"`
	Routes      [][]geo.Point `json:"routes"`
}

// AnalyzeRequest asks the service to fetch and score routes itself.
type AnalyzeRequest struct {
	Origin      *geo.Point `json:"origin"`
	Destination *geo.Point `json:"destination"`
}

// Score scores supplied routes.
// POST /v1/routes/score
func (h *Handler) Score(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("routes.score", "", "invalid JSON body"))
		return
	}
	if req.Origin == nil || req.Destination == nil {
		apperr.Respond(c, apperr.Validation("routes.score", "", "origin and destination are required"))
		return
	}

	res, err := h.scorer.ScoreRoutes(c.Request.Context(), RouteRequest{
		Origin:      *req.Origin,
		Destination: *req.Destination,
		Polylines:   req.Routes,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Analyze fetches candidate routes from the directions provider and scores them.
// POST /v1/routes/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("routes.analyze", "", "invalid JSON body"))
		return
	}
	if req.Origin == nil || req.Destination == nil {
		apperr.Respond(c, apperr.Validation("routes.analyze", "", "origin and destination are required"))
		return
	}

	res, err := h.scorer.Analyze(c.Request.Context(), *req.Origin, *req.Destination)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CacheStats reports score cache statistics.
// GET /v1/routes/cache
func (h *Handler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scorer.CacheStats())
}
