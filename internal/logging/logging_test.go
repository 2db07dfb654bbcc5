package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		blocked slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"verbose", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewWithWriter(&bytes.Buffer{}, tt.level, "text")
			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Enabled(context.Background(), tt.blocked))
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("zones published", "count", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "zones published", line["msg"])
	assert.EqualValues(t, 3, line["count"])
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	custom := NewWithWriter(&bytes.Buffer{}, "debug", "json")
	assert.Same(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_AttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))

	L(ctx).Info("no id")
	assert.NotContains(t, buf.String(), "request_id")

	buf.Reset()
	L(WithRequestID(ctx, "req-456")).Info("with id")
	assert.Contains(t, buf.String(), "request_id=req-456")
}

func TestNew_RedactsCoordinates(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("sos activated", "geofence_id", "gf_1", "location", map[string]float64{"lat": 28.6, "lon": 77.2})

	out := buf.String()
	assert.Contains(t, out, `"location":"[redacted]"`)
	assert.NotContains(t, out, "28.6")
	assert.Contains(t, out, `"geofence_id":"gf_1"`)
}

func TestNew_RedactsEveryCoordinateKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "text")
	for key := range redactedKeys {
		buf.Reset()
		logger.Warn("sample", key, 12.345)
		assert.Truef(t, strings.Contains(buf.String(), key+"=[redacted]"), "%s not redacted: %s", key, buf.String())
	}
}

func TestNew_DebugKeepsCoordinates(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "text")
	logger.Debug("scan", "lat", 28.6)

	assert.Contains(t, buf.String(), "lat=28.6")
}
