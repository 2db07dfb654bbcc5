package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "radar.Activate", EntityID("alice"), GeofenceID("gf_1"))
	End(span, errors.New("boom"))

	_, ok := StartSpan(context.Background(), "trust.Apply")
	End(ok, nil)

	ended := rec.Ended()
	require.Len(t, ended, 2)

	failed := ended[0]
	assert.Equal(t, "radar.Activate", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	attrs := map[string]string{}
	for _, kv := range failed.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "alice", attrs["entity.id"])
	assert.Equal(t, "gf_1", attrs["geofence.id"])

	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
