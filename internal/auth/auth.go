// Package auth authenticates the callers of the safety API.
//
// Authentication model:
//   - Devices register once with their device id and a client-held
//     fingerprint and receive a signed token bound to that fingerprint.
//     Requests carry the token and the fingerprint; a token replayed from
//     another device fails the fingerprint check.
//   - Operators (moderation, back office) use a static API key.
//   - Public reads (zones, route scores, nearby counts) need neither.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/idgen"
	"github.com/mbd888/nirbhaya/internal/validation"
)

// Errors
var (
	ErrNoCredentials       = errors.New("device token or operator key required")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")
	ErrDeviceExists        = errors.New("device already registered")
	ErrDeviceNotFound      = errors.New("device not found")
)

const (
	// DefaultTokenTTL is how long a device token stays valid.
	DefaultTokenTTL = 24 * time.Hour
	// MinSecretLength is the shortest accepted signing secret in bytes.
	MinSecretLength = 32

	minFingerprintLength = 16
	maxFingerprintLength = 256
	operatorSubject      = "operator"
)

// Role is what a principal may do.
type Role string

const (
	RoleDevice   Role = "device"
	RoleOperator Role = "operator"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject   string    `json:"subject"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// CanActFor reports whether p may act as entityID. Devices act only for
// themselves; operators act for anyone.
func (p *Principal) CanActFor(entityID string) bool {
	if p == nil {
		return false
	}
	return p.Role == RoleOperator || (entityID != "" && p.Subject == entityID)
}

// Device is a registered device. Only the fingerprint hash is stored.
type Device struct {
	ID              string    `json:"device_id"`
	FingerprintHash string    `json:"-"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// Token is an issued device token.
type Token struct {
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists registered devices.
type Store interface {
	// Create stores d, failing with ErrDeviceExists if the id is taken.
	Create(ctx context.Context, d Device) error
	Get(ctx context.Context, deviceID string) (*Device, error)
}

// Config configures a Manager.
type Config struct {
	Secret      []byte
	Issuer      string
	TokenTTL    time.Duration
	OperatorKey string
}

// claims is the signed token body.
type claims struct {
	jwt.RegisteredClaims
	Role        Role   `json:"role"`
	Fingerprint string `json:"dfp"`
}

// Manager registers devices, issues tokens and verifies credentials.
type Manager struct {
	store       Store
	secret      []byte
	issuer      string
	ttl         time.Duration
	operatorKey []byte // sha256 of the operator key, nil when disabled
	clock       clock.Clock
}

// NewManager creates a manager. The secret must be at least
// MinSecretLength bytes.
func NewManager(store Store, cfg Config, clk clock.Clock) (*Manager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, errors.New("auth: signing secret must be at least 32 bytes")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "nirbhaya"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	m := &Manager{
		store:  store,
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		clock:  clk,
	}
	if cfg.OperatorKey != "" {
		sum := sha256.Sum256([]byte(cfg.OperatorKey))
		m.operatorKey = sum[:]
	}
	return m, nil
}

// Register binds deviceID to fingerprint on first use and issues a token.
// Later registrations must present the same fingerprint.
func (m *Manager) Register(ctx context.Context, deviceID, fingerprint string) (*Token, error) {
	const op = "auth.register"
	if errs := validation.Validate(
		validation.Required("device_id", deviceID),
		validation.ValidID("device_id", deviceID),
		validation.Required("fingerprint", fingerprint),
		validation.MaxLength("fingerprint", fingerprint, maxFingerprintLength),
	); len(errs) > 0 {
		return nil, apperr.New(op, deviceID, apperr.ErrValidation, errs)
	}
	if len(fingerprint) < minFingerprintLength {
		return nil, apperr.Validation(op, deviceID, "fingerprint must be at least 16 characters")
	}

	hash := hashFingerprint(fingerprint)
	dev, err := m.bind(ctx, deviceID, hash)
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			registrationsTotal.WithLabelValues("mismatch").Inc()
			return nil, apperr.New(op, deviceID, apperr.ErrForbidden, err)
		}
		return nil, apperr.Internal(op, deviceID, err)
	}

	tok, exp, err := m.issue(dev.ID, hash)
	if err != nil {
		return nil, apperr.Internal(op, deviceID, err)
	}
	registrationsTotal.WithLabelValues("ok").Inc()
	return &Token{Token: tok, DeviceID: dev.ID, ExpiresAt: exp}, nil
}

// bind returns the device registered under id, creating it with hash if it
// is new.
func (m *Manager) bind(ctx context.Context, id, hash string) (*Device, error) {
	dev, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		dev = &Device{ID: id, FingerprintHash: hash, RegisteredAt: m.clock.Now()}
		err = m.store.Create(ctx, *dev)
		if errors.Is(err, ErrDeviceExists) {
			// lost a registration race; judge against the winner
			dev, err = m.store.Get(ctx, id)
		}
	}
	if err != nil {
		return nil, err
	}
	if !equalHash(dev.FingerprintHash, hash) {
		return nil, ErrFingerprintMismatch
	}
	return dev, nil
}

func (m *Manager) issue(deviceID, fingerprintHash string) (string, time.Time, error) {
	now := m.clock.Now()
	exp := jwt.NewNumericDate(now.Add(m.ttl))
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
			ID:        idgen.WithPrefix("tok_"),
		},
		Role:        RoleDevice,
		Fingerprint: fingerprintHash,
	})
	signed, err := tok.SignedString(m.secret)
	return signed, exp.Time, err
}

// Verify checks a device token against the fingerprint presented with it
// and against the device's registration.
func (m *Manager) Verify(ctx context.Context, token, fingerprint string) (*Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil || c.Subject == "" || c.Role != RoleDevice {
		return nil, ErrInvalidToken
	}
	if fingerprint == "" || !equalHash(c.Fingerprint, hashFingerprint(fingerprint)) {
		return nil, ErrFingerprintMismatch
	}

	dev, err := m.store.Get(ctx, c.Subject)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !equalHash(dev.FingerprintHash, c.Fingerprint) {
		return nil, ErrFingerprintMismatch
	}
	return &Principal{Subject: c.Subject, Role: RoleDevice, ExpiresAt: c.ExpiresAt.Time}, nil
}

// Operator returns the operator principal if key is the configured
// operator key.
func (m *Manager) Operator(key string) (*Principal, bool) {
	if m.operatorKey == nil || key == "" {
		return nil, false
	}
	sum := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(sum[:], m.operatorKey) != 1 {
		return nil, false
	}
	return &Principal{Subject: operatorSubject, Role: RoleOperator}, true
}

func hashFingerprint(fp string) string {
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:])
}

func equalHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
