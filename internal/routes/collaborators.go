package routes

import (
	"context"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/telemetry"
)

// CrowdCounter answers how many live entities are near a point.
// *telemetry.Service satisfies it.
type CrowdCounter interface {
	RadiusQuery(ctx context.Context, center geo.Point, radiusM float64) ([]telemetry.Result, error)
}

// CrimeIncident is one historical incident with severity in [0,10].
type CrimeIncident struct {
	Location   geo.Point `json:"location"`
	Severity   float64   `json:"severity"`
	Category   string    `json:"category,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CrimeQuery selects incidents around a point.
type CrimeQuery struct {
	Center   geo.Point
	RadiusM  float64
	Category string
	Since    time.Time
}

// CrimeRegistry returns severity-weighted incidents near a point.
type CrimeRegistry interface {
	IncidentsNear(ctx context.Context, q CrimeQuery) ([]CrimeIncident, error)
}

// CommercialLookup counts venues open right now near a point.
type CommercialLookup interface {
	OpenVenuesNear(ctx context.Context, center geo.Point, radiusM float64) (int, error)
}

// ImageryService reports the mean brightness (0-100) of a street-level image
// taken at p facing heading.
type ImageryService interface {
	Brightness(ctx context.Context, p geo.Point, headingDeg float64) (float64, error)
}

// DirectionsProvider returns candidate walking polylines, primary first.
type DirectionsProvider interface {
	Routes(ctx context.Context, origin, destination geo.Point) ([][]geo.Point, error)
}
