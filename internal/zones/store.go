package zones

import (
	"sync"
	"time"

	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
)

// Store holds the most recently published zone set. Zones are only
// returned while unexpired.
type Store struct {
	clock clock.Clock
	mu    sync.RWMutex
	zones []Zone
}

// NewStore creates an empty zone store.
func NewStore(clk clock.Clock) *Store {
	return &Store{clock: clk}
}

// Replace swaps in a freshly published set.
func (s *Store) Replace(zones []Zone) {
	cp := make([]Zone, len(zones))
	copy(cp, zones)
	s.mu.Lock()
	s.zones = cp
	s.mu.Unlock()
}

// List returns the live zones, optionally restricted to those intersecting
// within (nil means everywhere).
func (s *Store) List(within *geo.Bounds) []Zone {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		if !now.Before(z.ExpiresAt) {
			continue
		}
		if within != nil && !within.Intersects(z.Bounds) {
			continue
		}
		out = append(out, z)
	}
	return out
}

// DensityAt returns the member count of the live zone containing p, or 0.
func (s *Store) DensityAt(p geo.Point) int {
	for _, z := range s.List(nil) {
		if z.Bounds.Contains(p) {
			return z.MemberCount
		}
	}
	return 0
}

// LastPublished returns the publication time of the current set, if any.
func (s *Store) LastPublished() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.zones) == 0 {
		return time.Time{}, false
	}
	return s.zones[0].LastUpdated, true
}
