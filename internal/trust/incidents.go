package trust

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/archive"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/idgen"
	"github.com/mbd888/nirbhaya/internal/notify"
)

// IncidentType is the category of a filed report.
type IncidentType string

const (
	IncidentSOSTrigger   IncidentType = "SOS_Trigger"
	IncidentHarassment   IncidentType = "Harassment"
	IncidentPoorLighting IncidentType = "Poor_Lighting"
)

// Valid reports whether t is an accepted incident type.
func (t IncidentType) Valid() bool {
	switch t {
	case IncidentSOSTrigger, IncidentHarassment, IncidentPoorLighting:
		return true
	}
	return false
}

const maxDescriptionLength = 2000

// IncidentReport is a report as submitted.
type IncidentReport struct {
	ReporterID  string
	SuspectID   string
	Type        IncidentType
	Location    geo.Point
	Description string
}

// FiledIncident is the stored report plus the suspect adjustment, if any.
type FiledIncident struct {
	Incident archive.Incident `json:"incident"`
	Suspect  *Outcome         `json:"suspect_adjustment,omitempty"`
}

// Incidents files incident reports and charges named suspects.
type Incidents struct {
	ledger *Ledger
	sink   archive.Sink
}

// NewIncidents creates the incident service. sink may be nil.
func NewIncidents(ledger *Ledger, sink archive.Sink) *Incidents {
	return &Incidents{ledger: ledger, sink: sink}
}

// Report validates and stores r. When a suspect is named, a reported event
// is applied to them with the incident id as reference.
func (s *Incidents) Report(ctx context.Context, r IncidentReport) (*FiledIncident, error) {
	const op = "trust.report_incident"
	if err := validateEntity(op, r.ReporterID); err != nil {
		return nil, err
	}
	if !r.Type.Valid() {
		return nil, apperr.Validation(op, r.ReporterID, "incident type must be one of SOS_Trigger, Harassment, Poor_Lighting")
	}
	if err := r.Location.Validate(); err != nil {
		return nil, apperr.Validation(op, r.ReporterID, "location: "+err.Error())
	}
	r.SuspectID = strings.TrimSpace(r.SuspectID)
	if r.SuspectID != "" {
		if err := validateEntity(op, r.SuspectID); err != nil {
			return nil, err
		}
		if r.SuspectID == r.ReporterID {
			return nil, apperr.Validation(op, r.ReporterID, "reporter cannot name themselves as suspect")
		}
	}
	if len(r.Description) > maxDescriptionLength {
		return nil, apperr.Validation(op, r.ReporterID, "description too long")
	}

	inc := archive.Incident{
		ID:          idgen.WithPrefix("inc_"),
		ReporterID:  r.ReporterID,
		SuspectID:   r.SuspectID,
		Type:        string(r.Type),
		Location:    r.Location,
		Description: strings.TrimSpace(r.Description),
		Status:      "open",
		CreatedAt:   s.ledger.clock.Now().UTC().Truncate(time.Microsecond),
	}
	if s.sink != nil {
		if err := s.sink.SaveIncident(ctx, inc); err != nil {
			return nil, apperr.Internal(op, inc.ID, err)
		}
	}
	incidentsTotal.WithLabelValues(inc.Type).Inc()

	out := &FiledIncident{Incident: inc}
	if r.SuspectID != "" {
		adj, err := s.ledger.Apply(ctx, r.SuspectID, EventReported, inc.ID)
		if err != nil {
			return nil, err
		}
		out.Suspect = adj
	}

	s.ledger.emit(ctx, notify.Event{
		Type: notify.TypeIncidentReported,
		Key:  inc.ID,
		Data: map[string]any{"incident_type": inc.Type, "has_suspect": inc.SuspectID != ""},
	})
	return out, nil
}
