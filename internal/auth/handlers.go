package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
)

// Handler provides auth endpoints
type Handler struct {
	manager *Manager
}

// NewHandler creates an auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public auth endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/device", h.RegisterDevice)
}

// RegisterProtectedRoutes sets up endpoints that need a caller
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// RegisterDeviceRequest binds a device to its fingerprint.
type RegisterDeviceRequest struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

// RegisterDevice registers a device on first use and issues a token.
// POST /v1/auth/device
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Validation("auth.register", "", "invalid JSON body"))
		return
	}
	tok, err := h.manager.Register(c.Request.Context(), req.DeviceID, req.Fingerprint)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// Me returns the authenticated caller.
// GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	p, ok := Require(c, "auth.me")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p)
}
