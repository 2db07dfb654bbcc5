package archive

import (
	"context"
	"sync"
)

// MemorySink keeps archived records in memory. Used when no database is
// configured and in tests.
type MemorySink struct {
	mu        sync.RWMutex
	routes    []RouteScore
	sessions  []SOSSession
	incidents []Incident
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) SaveRouteScore(_ context.Context, rs RouteScore) error {
	m.mu.Lock()
	m.routes = append(m.routes, rs)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) SaveSOSSession(_ context.Context, s SOSSession) error {
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) SaveIncident(_ context.Context, inc Incident) error {
	m.mu.Lock()
	m.incidents = append(m.incidents, inc)
	m.mu.Unlock()
	return nil
}

// RouteScores returns archived route scores.
func (m *MemorySink) RouteScores() []RouteScore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RouteScore(nil), m.routes...)
}

// Sessions returns archived SOS sessions.
func (m *MemorySink) Sessions() []SOSSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SOSSession(nil), m.sessions...)
}

// Incidents returns archived incident reports.
func (m *MemorySink) Incidents() []Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Incident(nil), m.incidents...)
}
