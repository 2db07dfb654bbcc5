// Package notify fans domain events out to the notification layer: Kafka
// topics for downstream push/SMS delivery and the WebSocket hub for live
// clients.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Event types. The prefix before the first dot is the event family and
// selects the Kafka topic.
const (
	TypeSOSAlert          = "sos.alert"
	TypeSOSActivated      = "sos.activated"
	TypeSOSDeactivated    = "sos.deactivated"
	TypeRadarSnapshot     = "radar.snapshot"
	TypeGeofenceEntry     = "geofence.entry"
	TypeGeofenceExit      = "geofence.exit"
	TypeZonesPublished    = "zones.published"
	TypeTrustAdjusted     = "trust.adjusted"
	TypeTrustClassChanged = "trust.classification_changed"
	TypeIncidentReported  = "incident.reported"
	TypeRouteHighRisk     = "route.high_risk"
)

// Event is one notification. Key groups related events (a geofence id, an
// entity id) so they stay ordered within a partition.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Family returns the event family, e.g. "sos" for "sos.alert".
func (e Event) Family() string {
	if i := strings.IndexByte(e.Type, '.'); i > 0 {
		return e.Type[:i]
	}
	return e.Type
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
