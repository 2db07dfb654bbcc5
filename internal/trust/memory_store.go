package trust

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	entries map[string][]Entry
	seq     int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		entries: make(map[string][]Entry),
	}
}

func (m *MemoryStore) Get(_ context.Context, entityID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.EntityID]; !ok {
		m.records[rec.EntityID] = rec
	}
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, rec Record, expectedVersion int64, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.EntityID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	for i := range entries {
		m.seq++
		entries[i].Seq = m.seq
	}
	m.records[rec.EntityID] = rec
	m.entries[rec.EntityID] = append(m.entries[rec.EntityID], entries...)
	return nil
}

func (m *MemoryStore) CountSince(_ context.Context, entityID string, event EventType, source Source, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries[entityID] {
		if e.Event == event && e.Source == source && e.At.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) History(_ context.Context, entityID string, beforeSeq int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.entries[entityID]
	out := make([]Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq > 0 && all[i].Seq >= beforeSeq {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (m *MemoryStore) Entries(_ context.Context, entityID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries[entityID]...), nil
}
