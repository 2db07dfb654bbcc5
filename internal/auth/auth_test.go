package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/clock"
)

var (
	t0         = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	aliceFP    = "alice-phone-fingerprint-1"
)

func newTestManager(t *testing.T) (*Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	m, err := NewManager(NewMemoryStore(), Config{Secret: testSecret, TokenTTL: time.Hour, OperatorKey: "op-key"}, clk)
	require.NoError(t, err)
	return m, clk
}

func TestNewManager_RejectsShortSecret(t *testing.T) {
	_, err := NewManager(NewMemoryStore(), Config{Secret: []byte("short")}, clock.Real())
	assert.Error(t, err)
}

func TestRegisterAndVerify(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := m.Register(ctx, "alice", aliceFP)
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.DeviceID)
	assert.Equal(t, t0.Add(time.Hour), tok.ExpiresAt)

	p, err := m.Verify(ctx, tok.Token, aliceFP)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, RoleDevice, p.Role)
	assert.True(t, p.CanActFor("alice"))
	assert.False(t, p.CanActFor("bob"))

	// same device again gets a fresh token
	again, err := m.Register(ctx, "alice", aliceFP)
	require.NoError(t, err)
	assert.NotEqual(t, tok.Token, again.Token)
}

func TestRegister_FingerprintIsBoundOnFirstUse(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Register(ctx, "alice", aliceFP)
	require.NoError(t, err)

	_, err = m.Register(ctx, "alice", "mallory-phone-fingerprint")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestRegister_Validation(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name, id, fp string
	}{
		{"missing id", "", aliceFP},
		{"bad id", "a b", aliceFP},
		{"missing fingerprint", "alice", ""},
		{"short fingerprint", "alice", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Register(context.Background(), tt.id, tt.fp)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()
	tok, err := m.Register(ctx, "alice", aliceFP)
	require.NoError(t, err)

	t.Run("wrong fingerprint", func(t *testing.T) {
		_, err := m.Verify(ctx, tok.Token, "some-other-fingerprint")
		assert.ErrorIs(t, err, ErrFingerprintMismatch)
	})
	t.Run("no fingerprint", func(t *testing.T) {
		_, err := m.Verify(ctx, tok.Token, "")
		assert.ErrorIs(t, err, ErrFingerprintMismatch)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := m.Verify(ctx, "not.a.token", aliceFP)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("other secret", func(t *testing.T) {
		other, err := NewManager(NewMemoryStore(), Config{Secret: []byte("ffffffffffffffffffffffffffffffff")}, clk)
		require.NoError(t, err)
		forged, err := other.Register(ctx, "alice", aliceFP)
		require.NoError(t, err)
		_, err = m.Verify(ctx, forged.Token, aliceFP)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("unsigned", func(t *testing.T) {
		none := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "nirbhaya",
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
			},
			Role:        RoleDevice,
			Fingerprint: hashFingerprint(aliceFP),
		})
		s, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.Verify(ctx, s, aliceFP)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("unknown device", func(t *testing.T) {
		other, err := NewManager(NewMemoryStore(), Config{Secret: testSecret}, clk)
		require.NoError(t, err)
		_, err = other.Verify(ctx, tok.Token, aliceFP)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("expired", func(t *testing.T) {
		clk.Advance(time.Hour + time.Second)
		_, err := m.Verify(ctx, tok.Token, aliceFP)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestOperator(t *testing.T) {
	m, _ := newTestManager(t)

	p, ok := m.Operator("op-key")
	require.True(t, ok)
	assert.Equal(t, RoleOperator, p.Role)
	assert.True(t, p.CanActFor("anyone"))

	_, ok = m.Operator("op-kez")
	assert.False(t, ok)
	_, ok = m.Operator("")
	assert.False(t, ok)

	disabled, err := NewManager(NewMemoryStore(), Config{Secret: testSecret}, clock.Real())
	require.NoError(t, err)
	_, ok = disabled.Operator("op-key")
	assert.False(t, ok)
}

func TestPrincipal_CanActFor(t *testing.T) {
	var nilP *Principal
	assert.False(t, nilP.CanActFor("alice"))
	assert.False(t, (&Principal{Subject: "alice", Role: RoleDevice}).CanActFor(""))
}
