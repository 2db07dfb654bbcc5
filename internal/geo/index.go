package geo

import (
	"hash/fnv"
	"strconv"
	"sync"
)

const indexShards = 64

// GridIndex is a concurrent spatial index of keyed points bucketed by grid
// cell. Buckets are spread over independently locked shards so writers in
// different areas never contend.
type GridIndex struct {
	grid   Grid
	shards [indexShards]indexShard
}

type indexShard struct {
	mu      sync.RWMutex
	buckets map[Cell]map[string]Point
}

// NewGridIndex creates an index over cells of bucketM metres.
func NewGridIndex(bucketM float64) *GridIndex {
	idx := &GridIndex{grid: NewGrid(bucketM)}
	for i := range idx.shards {
		idx.shards[i].buckets = make(map[Cell]map[string]Point)
	}
	return idx
}

// Grid returns the bucket grid.
func (idx *GridIndex) Grid() Grid { return idx.grid }

func (idx *GridIndex) shard(c Cell) *indexShard {
	h := fnv.New32a()
	_, _ = h.Write(strconv.AppendInt(nil, c.Row, 36))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write(strconv.AppendInt(nil, c.Col, 36))
	return &idx.shards[h.Sum32()%indexShards]
}

// Insert files key at p.
func (idx *GridIndex) Insert(key string, p Point) {
	c := idx.grid.CellOf(p)
	s := idx.shard(c)
	s.mu.Lock()
	b, ok := s.buckets[c]
	if !ok {
		b = make(map[string]Point)
		s.buckets[c] = b
	}
	b[key] = p
	s.mu.Unlock()
}

// Remove drops key from the bucket holding p. Removing an absent key is a
// no-op.
func (idx *GridIndex) Remove(key string, p Point) {
	c := idx.grid.CellOf(p)
	s := idx.shard(c)
	s.mu.Lock()
	if b, ok := s.buckets[c]; ok {
		delete(b, key)
		if len(b) == 0 {
			delete(s.buckets, c)
		}
	}
	s.mu.Unlock()
}

// Move relocates key from old to p. It is a no-op when both fall in the
// same bucket apart from updating the stored point.
func (idx *GridIndex) Move(key string, old, p Point) {
	if idx.grid.CellOf(old) != idx.grid.CellOf(p) {
		idx.Remove(key, old)
	}
	idx.Insert(key, p)
}

// Hit is one key returned by Within.
type Hit struct {
	Key       string
	Point     Point
	DistanceM float64
}

// Within returns every key whose indexed point lies within radiusM of
// center. Only the buckets covering the circle are visited.
func (idx *GridIndex) Within(center Point, radiusM float64) []Hit {
	var hits []Hit
	for _, c := range idx.grid.Covering(center, radiusM) {
		s := idx.shard(c)
		s.mu.RLock()
		for key, p := range s.buckets[c] {
			if d := DistanceM(center, p); d <= radiusM {
				hits = append(hits, Hit{Key: key, Point: p, DistanceM: d})
			}
		}
		s.mu.RUnlock()
	}
	return hits
}

// Len counts indexed keys. It walks every shard and is meant for metrics
// and tests.
func (idx *GridIndex) Len() int {
	n := 0
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for _, b := range s.buckets {
			n += len(b)
		}
		s.mu.RUnlock()
	}
	return n
}
