package radar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/notify"
)

// session is one active geofence and its refresh loop.
type session struct {
	id          string
	entityID    string
	activation  geo.Point
	activatedAt time.Time
	anon        Anonymizer

	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu        sync.RWMutex
	center    geo.Point
	snapshot  Snapshot
	members   map[string]Member
	known     map[string]string // anon id -> entity id, everyone seen this session
	reported  map[string]bool
	peak      int
	refreshes int
	timedOut  bool
}

func newSession(id, entityID string, at geo.Point, now time.Time, anon Anonymizer) *session {
	return &session{
		id:          id,
		entityID:    entityID,
		activation:  at,
		activatedAt: now,
		anon:        anon,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		center:      at,
		snapshot:    Snapshot{GeofenceID: id, Members: []Member{}, GeneratedAt: now},
		members:     make(map[string]Member),
		known:       make(map[string]string),
		reported:    make(map[string]bool),
	}
}

func (s *session) geofence() Geofence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Geofence{
		ID:        s.id,
		EntityID:  s.entityID,
		Center:    s.center,
		RadiusM:   RadiusM,
		CreatedAt: s.activatedAt,
		Active:    true,
	}
}

func (s *session) currentCenter() geo.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.center
}

func (s *session) currentSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snapshot
	out.Members = append([]Member(nil), s.snapshot.Members...)
	return out
}

// signalStop asks the loop to exit. Safe to call more than once.
func (s *session) signalStop() {
	s.once.Do(func() { close(s.stop) })
}

// scan computes the members around the activator and diffs them against
// the previous refresh.
func (e *Engine) scan(ctx context.Context, s *session) (Snapshot, error) {
	center := s.currentCenter()
	if rec, err := e.positions.Get(ctx, s.entityID); err == nil && rec != nil {
		center = rec.Location
	}

	results, err := e.positions.RadiusQuery(ctx, center, RadiusM)
	now := e.clock.Now()
	if err != nil {
		s.mu.Lock()
		s.snapshot.Partial = true
		s.mu.Unlock()
		return s.currentSnapshot(), fmt.Errorf("radar: refresh %s: %w", s.id, err)
	}

	current := make(map[string]Member, len(results))
	entities := make(map[string]string, len(results))
	for _, r := range results {
		if r.EntityID == s.entityID {
			continue
		}
		d := geo.DistanceM(center, r.Location)
		if d > RadiusM {
			continue
		}
		id := s.anon.ID(r.EntityID)
		current[id] = Member{
			AnonID:     id,
			DistanceM:  d,
			BearingDeg: geo.BearingDeg(center, r.Location),
			LastSeen:   r.RecordedAt,
		}
		entities[id] = r.EntityID
	}

	members := make([]Member, 0, len(current))
	for _, m := range current {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].DistanceM != members[j].DistanceM {
			return members[i].DistanceM < members[j].DistanceM
		}
		return members[i].AnonID < members[j].AnonID
	})
	snap := Snapshot{GeofenceID: s.id, Members: members, GeneratedAt: now}

	s.mu.Lock()
	moved := s.center != center
	old := s.center
	prev := s.members
	s.center = center
	s.members = current
	s.snapshot = snap
	for id, ent := range entities {
		s.known[id] = ent
	}
	s.peak = max(s.peak, len(current))
	s.refreshes++
	s.mu.Unlock()

	if moved {
		e.index.Move(s.id, old, center)
	}
	e.publishDiff(ctx, s.id, prev, current, now)
	return snap, nil
}

func (e *Engine) publishDiff(ctx context.Context, id string, prev, current map[string]Member, now time.Time) {
	for anonID, m := range current {
		if _, ok := prev[anonID]; !ok {
			geofenceEvents.WithLabelValues("entry").Inc()
			e.emit(ctx, notify.Event{Type: notify.TypeGeofenceEntry, Key: id, At: now, Data: m})
		}
	}
	for anonID, m := range prev {
		if _, ok := current[anonID]; !ok {
			geofenceEvents.WithLabelValues("exit").Inc()
			e.emit(ctx, notify.Event{
				Type: notify.TypeGeofenceExit,
				Key:  id,
				At:   now,
				Data: map[string]any{"anon_id": anonID, "last_seen": m.LastSeen},
			})
		}
	}
}

// run is the session's refresh loop. It exits on stop, on engine shutdown
// or when the session outlives the maximum duration.
func (e *Engine) run(s *session) {
	defer close(s.done)

	ticker := e.clock.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-e.ctx.Done():
			return
		case now := <-ticker.C():
			if now.Sub(s.activatedAt) >= e.cfg.MaxSessionDuration {
				s.mu.Lock()
				s.timedOut = true
				s.mu.Unlock()
				return
			}
			e.safeRefresh(s)
		}
	}
}

func (e *Engine) safeRefresh(s *session) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in radar refresh", "geofence_id", s.id, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RefreshInterval)
	defer cancel()

	start := time.Now()
	snap, err := e.scan(ctx, s)
	refreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		refreshErrors.Inc()
		e.logger.Warn("radar refresh failed", "geofence_id", s.id, "error", err)
		return
	}
	e.emit(ctx, notify.Event{Type: notify.TypeRadarSnapshot, Key: s.id, At: snap.GeneratedAt, Data: snap})
}
