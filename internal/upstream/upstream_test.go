package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/retry"
	"github.com/mbd888/nirbhaya/internal/routes"
)

var here = geo.Point{Lat: 28.6139, Lon: 77.2090}

func serve(t *testing.T, fn http.HandlerFunc) Config {
	t.Helper()
	srv := httptest.NewServer(fn)
	t.Cleanup(srv.Close)
	return Config{BaseURL: srv.URL, APIKey: "k1", Timeout: time.Second}
}

func TestDirections_Routes(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/routes", r.URL.Path)
		assert.Equal(t, "28.613900,77.209000", r.URL.Query().Get("origin"))
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"routes":[{"points":[{"lat":1,"lon":2},{"lat":1.1,"lon":2.1}]},{"points":[{"lat":1,"lon":2},{"lat":1.2,"lon":2},{"lat":1.1,"lon":2.1}]}]}`))
	})
	d, err := NewDirections(cfg)
	require.NoError(t, err)

	got, err := d.Routes(context.Background(), here, geo.Point{Lat: 28.62, Lon: 77.22})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[1], 3)
}

func TestCrime_IncidentsNearDropsInvalidPoints(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1750", q.Get("radius_m"))
		assert.Equal(t, "violent", q.Get("category"))
		assert.NotEmpty(t, q.Get("since"))
		_, _ = w.Write([]byte(`{"incidents":[
			{"lat":28.61,"lon":77.21,"severity":7,"category":"violent","occurred_at":"2026-01-02T03:04:05Z"},
			{"lat":128.61,"lon":77.21,"severity":9}
		]}`))
	})
	c, err := NewCrime(cfg)
	require.NoError(t, err)

	got, err := c.IncidentsNear(context.Background(), routes.CrimeQuery{
		Center: here, RadiusM: 1750, Category: "violent", Since: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7.0, got[0].Severity)
}

func TestPlaces_OpenVenuesNear(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200", r.URL.Query().Get("radius_m"))
		_, _ = w.Write([]byte(`{"count":4}`))
	})
	p, err := NewPlaces(cfg)
	require.NoError(t, err)

	n, err := p.OpenVenuesNear(context.Background(), here, 200)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestImagery_MissingImageIsPermanent(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	im, err := NewImagery(cfg)
	require.NoError(t, err)

	_, err = im.Brightness(context.Background(), here, 90)
	assert.True(t, retry.IsPermanent(err))
}

func TestClient_ClientErrorsArePermanentServerErrorsAreNot(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":"bad","message":"radius too large"}`))
	})
	p, err := NewPlaces(cfg)
	require.NoError(t, err)

	_, err = p.OpenVenuesNear(context.Background(), here, 200)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "radius too large", se.Message)

	status.Store(http.StatusServiceUnavailable)
	_, err = p.OpenVenuesNear(context.Background(), here, 200)
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestClient_RespectsContext(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	p, err := NewPlaces(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.OpenVenuesNear(ctx, here, 200)
	assert.Error(t, err)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewCrime(Config{})
	assert.Error(t, err)
}
