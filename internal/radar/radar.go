// Package radar runs SOS sessions: a fixed 50 m geofence around a
// distressed user whose nearby members are re-scanned every few seconds
// and reported under session-scoped anonymous ids.
package radar

import (
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/trust"
)

const (
	// RadiusM is the geofence radius. It is not configurable.
	RadiusM = 50.0

	DefaultRefreshInterval    = 5 * time.Second
	DefaultActivationTimeout  = 2 * time.Second
	DefaultMaxSessionDuration = 2 * time.Hour
	DefaultKeyRotation        = 24 * time.Hour
)

// Reason ends a session.
type Reason string

const (
	ReasonResolved   Reason = "resolved"
	ReasonFalseAlarm Reason = "false_alarm"
	// ReasonTimeout is only set by the engine when a session outlives the
	// maximum duration.
	ReasonTimeout Reason = "timeout"
)

// Valid reports whether r may be supplied by a caller.
func (r Reason) Valid() bool {
	return r == ReasonResolved || r == ReasonFalseAlarm
}

// trustEvent is the single terminal adjustment for the activator.
func (r Reason) trustEvent() (trust.EventType, bool) {
	switch r {
	case ReasonResolved:
		return trust.EventCleanRecord, true
	case ReasonFalseAlarm:
		return trust.EventFalseAlarm, true
	}
	return "", false
}

// Geofence is the circle around an active SOS.
type Geofence struct {
	ID        string    `json:"geofence_id"`
	EntityID  string    `json:"entity_id,omitempty"`
	Center    geo.Point `json:"center"`
	RadiusM   float64   `json:"radius_m"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Member is one nearby entity as the activator sees it.
type Member struct {
	AnonID     string    `json:"anon_id"`
	DistanceM  float64   `json:"relative_distance_m"`
	BearingDeg float64   `json:"relative_bearing_deg"`
	LastSeen   time.Time `json:"last_seen"`
}

// Snapshot is the radar view at one instant. Partial is set when the
// position store could not be read in time and the member list is stale.
type Snapshot struct {
	GeofenceID  string    `json:"geofence_id"`
	Members     []Member  `json:"members"`
	GeneratedAt time.Time `json:"generated_at"`
	Partial     bool      `json:"partial,omitempty"`
}

// Activation is returned by Activate.
type Activation struct {
	Geofence Geofence `json:"geofence"`
	Snapshot Snapshot `json:"snapshot"`
	// Existing is set when the entity already had an active session.
	Existing bool `json:"existing,omitempty"`
}
