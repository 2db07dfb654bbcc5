package telemetry

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
)

const entityShards = 256

// bucketSizeM is the edge of the spatial index buckets. Radius queries in
// this system are 50 m (radar, crowd factor) so one bucket usually covers
// the whole circle plus its neighbours.
const bucketSizeM = 100.0

// MemoryStore keeps records in sharded maps with a bucketed spatial index.
// Writers lock one entity shard and then one index shard; readers never take
// a global lock.
type MemoryStore struct {
	clock  clock.Clock
	shards [entityShards]entityShard
	index  *geo.GridIndex
}

type entityShard struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	m := &MemoryStore{clock: clk, index: geo.NewGridIndex(bucketSizeM)}
	for i := range m.shards {
		m.shards[i].records = make(map[string]Record)
	}
	return m
}

func (m *MemoryStore) shard(entityID string) *entityShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return &m.shards[h.Sum32()%entityShards]
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	s := m.shard(rec.EntityID)
	s.mu.Lock()
	if old, ok := s.records[rec.EntityID]; ok {
		m.index.Move(rec.EntityID, old.Location, rec.Location)
	} else {
		m.index.Insert(rec.EntityID, rec.Location)
	}
	s.records[rec.EntityID] = rec
	s.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, entityID string) (*Record, error) {
	s := m.shard(entityID)
	s.mu.RLock()
	rec, ok := s.records[entityID]
	s.mu.RUnlock()
	if !ok || rec.Expired(m.clock.Now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Remove(_ context.Context, entityID string) error {
	s := m.shard(entityID)
	s.mu.Lock()
	if old, ok := s.records[entityID]; ok {
		m.index.Remove(entityID, old.Location)
		delete(s.records, entityID)
	}
	s.mu.Unlock()
	return nil
}

// RadiusQuery looks up candidates in the index and then re-reads each from
// its entity shard, so a record that moved or expired between the two
// steps is judged on its current state.
func (m *MemoryStore) RadiusQuery(_ context.Context, center geo.Point, radiusM float64) ([]Result, error) {
	now := m.clock.Now()
	hits := m.index.Within(center, radiusM)

	results := make([]Result, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		if _, dup := seen[h.Key]; dup {
			continue
		}
		seen[h.Key] = struct{}{}

		s := m.shard(h.Key)
		s.mu.RLock()
		rec, ok := s.records[h.Key]
		s.mu.RUnlock()
		if !ok || rec.Expired(now) {
			continue
		}
		d := geo.DistanceM(center, rec.Location)
		if d > radiusM {
			continue
		}
		results = append(results, Result{
			EntityID:   rec.EntityID,
			DistanceM:  d,
			Location:   rec.Location,
			RecordedAt: rec.RecordedAt,
		})
	}
	return results, nil
}

// Snapshot copies live records one shard at a time.
func (m *MemoryStore) Snapshot(_ context.Context) ([]Record, error) {
	now := m.clock.Now()
	var out []Record
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, rec := range s.records {
			if !rec.Expired(now) {
				out = append(out, rec)
			}
		}
		s.mu.RUnlock()
	}
	return out, nil
}

func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := m.clock.Now()
	evicted, live := 0, 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for id, rec := range s.records {
			if rec.Expired(now) {
				m.index.Remove(id, rec.Location)
				delete(s.records, id)
				evicted++
			}
		}
		live += len(s.records)
		s.mu.Unlock()
	}
	liveRecords.Set(float64(live))
	return evicted, nil
}

// Len reports how many records are held, expired or not.
func (m *MemoryStore) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
