// Package trust keeps a 0-100 trust score per entity, moved only by a fixed
// table of signed event deltas and recorded in an append-only audit trail.
package trust

import (
	"context"
	"errors"
	"time"
)

// EventType is a trust-affecting event.
type EventType string

const (
	EventReported        EventType = "reported"
	EventAssisted        EventType = "assisted"
	EventFalseAlarm      EventType = "false_alarm"
	EventVerifiedHelp    EventType = "verified_help"
	EventMultipleReports EventType = "multiple_reports"
	EventCleanRecord     EventType = "clean_record"
)

// Deltas is the fixed signed adjustment per event type.
var Deltas = map[EventType]int{
	EventReported:        -10,
	EventAssisted:        5,
	EventFalseAlarm:      -15,
	EventVerifiedHelp:    10,
	EventMultipleReports: -20,
	EventCleanRecord:     5,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := Deltas[t]
	return ok
}

const (
	InitialScore = 50
	MinScore     = 0
	MaxScore     = 100

	// PatternWindow is the trailing window pattern rules count over.
	PatternWindow = 30 * 24 * time.Hour
	// ReportThreshold reported events in the window add multiple_reports.
	ReportThreshold = 3
	// FalseAlarmThreshold false alarms in the window add another false_alarm.
	FalseAlarmThreshold = 2
)

// Classification is derived from the score on every adjustment.
type Classification string

const (
	ClassNormal    Classification = "normal"
	ClassSuspected Classification = "suspected"
	ClassFraud     Classification = "fraud"
)

// Classify maps a score to its classification.
func Classify(score int) Classification {
	switch {
	case score <= 0:
		return ClassFraud
	case score <= 30:
		return ClassSuspected
	default:
		return ClassNormal
	}
}

// Source says why an audit entry exists.
type Source string

const (
	SourceEvent   Source = "event"
	SourcePattern Source = "pattern"
)

// Entry is one audit trail record.
type Entry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	EntityID  string    `json:"entity_id"`
	Event     EventType `json:"event_type"`
	Delta     int       `json:"delta"`
	Previous  int       `json:"previous"`
	New       int       `json:"new"`
	Source    Source    `json:"source"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

// Record is an entity's current trust state. Flagged is set the first time
// the score reaches 0 and stays set for review even if the score recovers.
type Record struct {
	EntityID       string         `json:"entity_id"`
	Score          int            `json:"score"`
	Classification Classification `json:"classification"`
	Flagged        bool           `json:"flagged"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Outcome is the result of one Apply.
type Outcome struct {
	Record  Record  `json:"record"`
	Entries []Entry `json:"entries"`
}

// Store errors.
var (
	ErrNotFound = errors.New("trust: record not found")
	ErrConflict = errors.New("trust: version conflict")
)

// Store persists records and their audit trail.
type Store interface {
	// Get returns ErrNotFound for unknown entities.
	Get(ctx context.Context, entityID string) (*Record, error)
	// Create inserts rec unless the entity already exists.
	Create(ctx context.Context, rec Record) error
	// Commit writes rec and appends entries if the stored version equals
	// expectedVersion, and returns ErrConflict otherwise. Seq is assigned by
	// the store.
	Commit(ctx context.Context, rec Record, expectedVersion int64, entries []Entry) error
	// CountSince counts source entries of one event type strictly after since.
	CountSince(ctx context.Context, entityID string, event EventType, source Source, since time.Time) (int, error)
	// History returns entries newest first, starting below beforeSeq when it
	// is positive.
	History(ctx context.Context, entityID string, beforeSeq int64, limit int) ([]Entry, error)
	// Entries returns the full trail oldest first.
	Entries(ctx context.Context, entityID string) ([]Entry, error)
}

func clampScore(v int) int {
	return max(MinScore, min(MaxScore, v))
}

// Replay rebuilds score and classification from a trail, oldest first.
func Replay(entries []Entry) (score int, class Classification, flagged bool) {
	score = InitialScore
	for _, e := range entries {
		score = clampScore(score + Deltas[e.Event])
		if score == 0 {
			flagged = true
		}
	}
	return score, Classify(score), flagged
}
