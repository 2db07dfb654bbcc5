package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/logging"
)

const (
	// HeaderFingerprint carries the device fingerprint alongside the token.
	HeaderFingerprint = "X-Device-Fingerprint"
	// HeaderAPIKey carries the operator key.
	HeaderAPIKey = "X-API-Key"

	// ContextKeyPrincipal is the key for storing the caller in gin context
	ContextKeyPrincipal = "authPrincipal"
	contextKeyAuthError = "authError"
)

// Middleware resolves the caller from the request. It never rejects: an
// absent or bad credential just leaves the request unauthenticated, and
// RequireAuth decides.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(HeaderAPIKey); key != "" {
			if p, ok := m.Operator(key); ok {
				SetPrincipal(c, p)
			} else {
				c.Set(contextKeyAuthError, ErrInvalidToken)
			}
			c.Next()
			return
		}

		if token, ok := bearer(c.GetHeader("Authorization")); ok {
			p, err := m.Verify(c.Request.Context(), token, c.GetHeader(HeaderFingerprint))
			switch {
			case err == nil:
				SetPrincipal(c, p)
			case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrFingerprintMismatch):
				c.Set(contextKeyAuthError, err)
			default:
				logging.L(c.Request.Context()).Warn("device verification failed", "error", err)
				c.Set(contextKeyAuthError, ErrInvalidToken)
			}
		}
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// RequireAuth rejects requests without a valid device token or operator key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Require(c, "auth"); !ok {
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers that lack role.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Require(c, "auth")
		if !ok {
			return
		}
		if p.Role != role {
			rejectionsTotal.WithLabelValues("role").Inc()
			apperr.Respond(c, apperr.New("auth", p.Subject, apperr.ErrForbidden, errors.New(string(role)+" role required")))
			return
		}
		c.Next()
	}
}

// RequireSelf requires the caller to act for the entity named by the URL
// parameter param.
func RequireSelf(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Require(c, "auth")
		if !ok {
			return
		}
		if !p.CanActFor(c.Param(param)) {
			Forbid(c, "auth", c.Param(param))
			return
		}
		c.Next()
	}
}

// Require returns the caller, or writes a 401 and returns false.
func Require(c *gin.Context, op string) (*Principal, bool) {
	if p, ok := PrincipalFrom(c); ok {
		return p, true
	}
	cause := ErrNoCredentials
	if v, ok := c.Get(contextKeyAuthError); ok {
		cause = v.(error)
	}
	rejectionsTotal.WithLabelValues(rejectionReason(cause)).Inc()
	c.Header("WWW-Authenticate", "Bearer")
	apperr.Respond(c, apperr.New(op, "", apperr.ErrUnauthenticated, cause))
	return nil, false
}

// Forbid writes a 403 for a caller that may not act for ref.
func Forbid(c *gin.Context, op, ref string) {
	rejectionsTotal.WithLabelValues("not_self").Inc()
	apperr.Respond(c, apperr.New(op, ref, apperr.ErrForbidden, errors.New("cannot act for this entity")))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		return "fingerprint_mismatch"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	default:
		return "no_credentials"
	}
}

// SetPrincipal records the authenticated caller on c.
func SetPrincipal(c *gin.Context, p *Principal) {
	c.Set(ContextKeyPrincipal, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok && p != nil
}
