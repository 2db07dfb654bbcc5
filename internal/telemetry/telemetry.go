// Package telemetry is the ephemeral geospatial store for device position
// pings. Every record expires a fixed lifetime after it was recorded and is
// invisible to readers from that instant on, whether or not it has been
// physically evicted yet.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
)

// DefaultTTL is the lifetime of a position record.
const DefaultTTL = 60 * time.Second

// MaxQueryRadiusM bounds radius queries served over HTTP.
const MaxQueryRadiusM = 1000.0

// MaxClockSkew bounds how far in the future a recorded_at may be.
const MaxClockSkew = time.Minute

// MaxEntityIDLength bounds entity identifiers.
const MaxEntityIDLength = 128

// ErrNotFound is returned by Get for absent or expired entities.
var ErrNotFound = errors.New("telemetry: position not found")

// Record is the latest known position of one entity.
type Record struct {
	EntityID   string    `json:"entity_id"`
	Location   geo.Point `json:"location"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether r is no longer visible at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Result is one entity returned by a radius query.
type Result struct {
	EntityID   string    `json:"entity_id"`
	DistanceM  float64   `json:"distance_m"`
	Location   geo.Point `json:"location"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the persistence contract for position records. Implementations
// must filter expired records at read time.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, entityID string) (*Record, error)
	Remove(ctx context.Context, entityID string) error
	RadiusQuery(ctx context.Context, center geo.Point, radiusM float64) ([]Result, error)
	Snapshot(ctx context.Context) ([]Record, error)
	// Sweep physically evicts expired records and reports how many went.
	Sweep(ctx context.Context) (int, error)
}

// Service validates input and stamps lifetimes before delegating to a Store.
type Service struct {
	store  Store
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewService wires a telemetry service.
func NewService(store Store, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, clock: clk, ttl: ttl, logger: logger}
}

// TTL returns the record lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Put records the position of entityID. A zero recordedAt means now. The
// record expires ttl after recordedAt; a later Put for the same entity
// replaces it.
func (s *Service) Put(ctx context.Context, entityID string, loc geo.Point, recordedAt time.Time, accuracyM float64) error {
	entityID = strings.TrimSpace(entityID)
	if err := validateEntity("telemetry.put", entityID); err != nil {
		pingsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := loc.Validate(); err != nil {
		pingsTotal.WithLabelValues("rejected").Inc()
		return apperr.Validation("telemetry.put", entityID, err.Error())
	}
	if accuracyM < 0 {
		pingsTotal.WithLabelValues("rejected").Inc()
		return apperr.Validation("telemetry.put", entityID, "accuracy must not be negative")
	}
	now := s.clock.Now()
	if recordedAt.IsZero() {
		recordedAt = now
	} else if recordedAt.After(now.Add(MaxClockSkew)) {
		pingsTotal.WithLabelValues("rejected").Inc()
		return apperr.Validation("telemetry.put", entityID, "timestamp is in the future")
	}

	rec := Record{
		EntityID:   entityID,
		Location:   loc,
		AccuracyM:  accuracyM,
		RecordedAt: recordedAt,
		ExpiresAt:  recordedAt.Add(s.ttl),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		pingsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("telemetry: put %s: %w", entityID, err)
	}
	pingsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// RadiusQuery returns every non-expired entity within radiusM of center.
func (s *Service) RadiusQuery(ctx context.Context, center geo.Point, radiusM float64) ([]Result, error) {
	if err := center.Validate(); err != nil {
		return nil, apperr.Validation("telemetry.query", "", err.Error())
	}
	if radiusM < 0 || math.IsNaN(radiusM) || math.IsInf(radiusM, 0) {
		return nil, apperr.Validation("telemetry.query", "", "radius must be a non-negative number")
	}

	start := time.Now()
	results, err := s.store.RadiusQuery(ctx, center, radiusM)
	queryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("telemetry: radius query: %w", err)
	}
	return results, nil
}

// Get returns the live record for entityID or ErrNotFound.
func (s *Service) Get(ctx context.Context, entityID string) (*Record, error) {
	return s.store.Get(ctx, entityID)
}

// Remove deletes entityID's record immediately (opt-out).
func (s *Service) Remove(ctx context.Context, entityID string) error {
	if err := validateEntity("telemetry.remove", entityID); err != nil {
		return err
	}
	return s.store.Remove(ctx, entityID)
}

// Snapshot returns a point-in-time copy of all live records.
func (s *Service) Snapshot(ctx context.Context) ([]Record, error) {
	return s.store.Snapshot(ctx)
}

func validateEntity(op, entityID string) error {
	if entityID == "" {
		return apperr.Validation(op, "", "entity id is required")
	}
	if len(entityID) > MaxEntityIDLength {
		return apperr.Validation(op, "", "entity id too long")
	}
	return nil
}
