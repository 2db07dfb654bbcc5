// Package archive persists the durable by-products of the engines: scored
// routes, closed distress sessions and incident reports. Writes happen off
// the request path; losing an archive write never fails the operation that
// produced it.
package archive

import (
	"context"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
)

// RouteScore is one scored route as computed.
type RouteScore struct {
	RouteKey         string      `json:"route_key"`
	AlternativeIndex int         `json:"alternative_index"`
	Origin           geo.Point   `json:"origin"`
	Destination      geo.Point   `json:"destination"`
	Crime            float64     `json:"crime"`
	Crowd            float64     `json:"crowd"`
	Commercial       float64     `json:"commercial"`
	Lighting         float64     `json:"lighting"`
	Composite        float64     `json:"composite"`
	Classification   string      `json:"classification"`
	Polyline         []geo.Point `json:"polyline"`
	Degradations     []string    `json:"degradations,omitempty"`
	ComputedAt       time.Time   `json:"computed_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// SOSSession summarises one closed distress session.
type SOSSession struct {
	GeofenceID    string     `json:"geofence_id"`
	EntityID      string     `json:"entity_id"`
	Activation    geo.Point  `json:"activation"`
	Deactivation  *geo.Point `json:"deactivation,omitempty"`
	RadiusM       float64    `json:"radius_m"`
	ActivatedAt   time.Time  `json:"activated_at"`
	DeactivatedAt time.Time  `json:"deactivated_at"`
	Reason        string     `json:"reason"`
	PeakMembers   int        `json:"peak_members"`
	Refreshes     int        `json:"refreshes"`
}

// Incident is a filed incident report.
type Incident struct {
	ID          string    `json:"id"`
	ReporterID  string    `json:"reporter_id"`
	SuspectID   string    `json:"suspect_id,omitempty"`
	Type        string    `json:"incident_type"`
	Location    geo.Point `json:"location"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sink is the relational persistence contract.
type Sink interface {
	SaveRouteScore(ctx context.Context, rs RouteScore) error
	SaveSOSSession(ctx context.Context, s SOSSession) error
	SaveIncident(ctx context.Context, inc Incident) error
}
