package radar

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/archive"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/idgen"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/telemetry"
	"github.com/mbd888/nirbhaya/internal/traces"
	"github.com/mbd888/nirbhaya/internal/trust"
)

// Positions is the live position store the radar scans.
type Positions interface {
	Get(ctx context.Context, entityID string) (*telemetry.Record, error)
	RadiusQuery(ctx context.Context, center geo.Point, radiusM float64) ([]telemetry.Result, error)
}

// TrustRecorder receives the terminal adjustment of each session and
// reports filed from the radar screen.
type TrustRecorder interface {
	Apply(ctx context.Context, entityID string, event trust.EventType, reference string) (*trust.Outcome, error)
}

// Config tunes the engine.
type Config struct {
	RefreshInterval    time.Duration
	ActivationTimeout  time.Duration
	MaxSessionDuration time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:    DefaultRefreshInterval,
		ActivationTimeout:  DefaultActivationTimeout,
		MaxSessionDuration: DefaultMaxSessionDuration,
	}
}

// Deps are the engine's collaborators. Trust, Sink and Publisher may be nil.
type Deps struct {
	Positions Positions
	Keys      *KeyRotator
	Trust     TrustRecorder
	Sink      archive.Sink
	Publisher notify.Publisher
}

// Engine owns every active session. Sessions are independent; the engine
// lock only guards the session maps.
type Engine struct {
	positions Positions
	keys      *KeyRotator
	trust     TrustRecorder
	sink      archive.Sink
	pub       notify.Publisher
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
	index     *geo.GridIndex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	byEntity map[string]string
}

// NewEngine creates a radar engine.
func NewEngine(deps Deps, clk clock.Clock, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = def.ActivationTimeout
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = def.MaxSessionDuration
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard{}
	}
	if deps.Keys == nil {
		deps.Keys = NewKeyRotator(DefaultKeyRotation, nil, clk)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		positions: deps.Positions,
		keys:      deps.Keys,
		trust:     deps.Trust,
		sink:      deps.Sink,
		pub:       deps.Publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		index:     geo.NewGridIndex(4 * RadiusM),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		byEntity:  make(map[string]string),
	}
}

// Activate opens a geofence around entityID at location and returns the
// first snapshot. An entity with an active session gets that session back.
func (e *Engine) Activate(ctx context.Context, entityID string, location geo.Point) (out *Activation, err error) {
	const op = "radar.activate"
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, apperr.Validation(op, "", "entity id is required")
	}
	if len(entityID) > telemetry.MaxEntityIDLength {
		return nil, apperr.Validation(op, "", "entity id too long")
	}
	if err := location.Validate(); err != nil {
		return nil, apperr.Validation(op, entityID, "location: "+err.Error())
	}

	e.mu.Lock()
	if id, ok := e.byEntity[entityID]; ok {
		s := e.sessions[id]
		e.mu.Unlock()
		return &Activation{Geofence: s.geofence(), Snapshot: s.currentSnapshot(), Existing: true}, nil
	}
	id := idgen.WithPrefix("gf_")
	now := e.clock.Now()
	s := newSession(id, entityID, location, now, e.keys.SessionAnonymizer(id))
	e.sessions[id] = s
	e.byEntity[entityID] = id
	e.index.Insert(id, location)
	e.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "radar.Activate", traces.EntityID(entityID), traces.GeofenceID(id))
	defer func() { traces.End(span, err) }()

	activationsTotal.Inc()
	activeSessions.Inc()
	e.emit(ctx, notify.Event{
		Type: notify.TypeSOSAlert,
		Key:  id,
		At:   now,
		Data: map[string]any{"entity_id": entityID, "location": location, "activated_at": now},
	})
	e.emit(ctx, notify.Event{Type: notify.TypeSOSActivated, Key: id, At: now, Data: s.geofence()})

	scanCtx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	snap, scanErr := e.scan(scanCtx, s)
	cancel()
	if scanErr != nil {
		e.logger.Warn("initial radar scan failed", "geofence_id", id, "error", scanErr)
	} else {
		e.emit(ctx, notify.Event{Type: notify.TypeRadarSnapshot, Key: id, At: snap.GeneratedAt, Data: snap})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(s)
		if s.isTimedOut() {
			e.expire(s)
		}
	}()

	e.logger.Info("sos activated", "geofence_id", id, "entity_id", entityID, "members", len(snap.Members))
	return &Activation{Geofence: s.geofence(), Snapshot: snap}, nil
}

func (s *session) isTimedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timedOut
}

// detach removes s from the engine maps. Only the first caller for a
// session gets true. The index entry is dropped by the caller once the
// refresh loop has exited, so a late refresh cannot re-insert it.
func (e *Engine) detach(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.id] != s {
		return false
	}
	delete(e.sessions, s.id)
	delete(e.byEntity, s.entityID)
	activeSessions.Dec()
	return true
}

func (e *Engine) expire(s *session) {
	if !e.detach(s) {
		return
	}
	e.index.Remove(s.id, s.currentCenter())
	e.logger.Warn("sos session timed out", "geofence_id", s.id, "max_duration", e.cfg.MaxSessionDuration)
	e.finish(e.ctx, s, ReasonTimeout, nil)
}

// Deactivate ends a session with the caller-supplied reason. The refresh
// loop has exited and the geofence is gone from the index when it returns.
// location is the activator's position at deactivation, if known.
func (e *Engine) Deactivate(ctx context.Context, geofenceID string, reason Reason, location *geo.Point) (*archive.SOSSession, error) {
	const op = "radar.deactivate"
	if !reason.Valid() {
		return nil, apperr.Validation(op, geofenceID, "reason must be resolved or false_alarm")
	}
	if location != nil {
		if err := location.Validate(); err != nil {
			return nil, apperr.Validation(op, geofenceID, "location: "+err.Error())
		}
	}

	e.mu.RLock()
	s, ok := e.sessions[geofenceID]
	e.mu.RUnlock()
	if !ok || !e.detach(s) {
		return nil, apperr.New(op, geofenceID, apperr.ErrNotFound, errors.New("no active session"))
	}

	s.signalStop()
	<-s.done
	e.index.Remove(s.id, s.currentCenter())

	return e.finish(ctx, s, reason, location), nil
}

// finish applies the terminal effects of a detached session: exactly one
// trust adjustment for caller-supplied reasons, the lifecycle event and
// the archived summary.
func (e *Engine) finish(ctx context.Context, s *session, reason Reason, location *geo.Point) *archive.SOSSession {
	now := e.clock.Now()
	deactivationsTotal.WithLabelValues(string(reason)).Inc()

	if ev, ok := reason.trustEvent(); ok && e.trust != nil {
		if _, err := e.trust.Apply(ctx, s.entityID, ev, s.id); err != nil {
			e.logger.Error("sos trust adjustment failed",
				"geofence_id", s.id, "entity_id", s.entityID, "reason", reason, "error", err)
		}
	}

	s.mu.RLock()
	summary := archive.SOSSession{
		GeofenceID:    s.id,
		EntityID:      s.entityID,
		Activation:    s.activation,
		Deactivation:  location,
		RadiusM:       RadiusM,
		ActivatedAt:   s.activatedAt,
		DeactivatedAt: now,
		Reason:        string(reason),
		PeakMembers:   s.peak,
		Refreshes:     s.refreshes,
	}
	s.mu.RUnlock()

	if e.sink != nil {
		if err := e.sink.SaveSOSSession(ctx, summary); err != nil {
			e.logger.Error("archive sos session failed", "geofence_id", s.id, "error", err)
		}
	}
	e.emit(ctx, notify.Event{
		Type: notify.TypeSOSDeactivated,
		Key:  s.id,
		At:   now,
		Data: map[string]any{"reason": reason, "duration_s": now.Sub(s.activatedAt).Seconds(), "peak_members": summary.PeakMembers},
	})
	e.logger.Info("sos deactivated", "geofence_id", s.id, "reason", reason, "duration", now.Sub(s.activatedAt))
	return &summary
}

// Snapshot returns the latest radar view of an active geofence.
func (e *Engine) Snapshot(geofenceID string) (*Snapshot, error) {
	e.mu.RLock()
	s, ok := e.sessions[geofenceID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperr.New("radar.snapshot", geofenceID, apperr.ErrNotFound, errors.New("no active session"))
	}
	snap := s.currentSnapshot()
	return &snap, nil
}

// Geofence returns an active geofence.
func (e *Engine) Geofence(geofenceID string) (*Geofence, error) {
	e.mu.RLock()
	s, ok := e.sessions[geofenceID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperr.New("radar.geofence", geofenceID, apperr.ErrNotFound, errors.New("no active session"))
	}
	g := s.geofence()
	return &g, nil
}

// ReportMember files a reported trust event against the entity behind
// anonID. Only the activator may report, and each member at most once per
// session.
func (e *Engine) ReportMember(ctx context.Context, geofenceID, reporterID, anonID string) error {
	const op = "radar.report"
	e.mu.RLock()
	s, ok := e.sessions[geofenceID]
	e.mu.RUnlock()
	if !ok {
		return apperr.New(op, geofenceID, apperr.ErrNotFound, errors.New("no active session"))
	}
	if reporterID != s.entityID {
		return apperr.New(op, geofenceID, apperr.ErrForbidden, errors.New("only the activator can report members"))
	}

	s.mu.Lock()
	entityID, known := s.known[anonID]
	already := s.reported[anonID]
	if known && !already {
		s.reported[anonID] = true
	}
	s.mu.Unlock()

	switch {
	case !known:
		return apperr.New(op, geofenceID, apperr.ErrNotFound, errors.New("unknown member"))
	case already:
		return apperr.New(op, geofenceID, apperr.ErrInvalidMove, errors.New("member already reported"))
	}
	if e.trust == nil {
		return nil
	}
	if _, err := e.trust.Apply(ctx, entityID, trust.EventReported, geofenceID); err != nil {
		s.mu.Lock()
		delete(s.reported, anonID)
		s.mu.Unlock()
		return err
	}
	memberReports.Inc()
	return nil
}

// ActiveNear lists active geofences whose circle contains p. Activator ids
// are withheld.
func (e *Engine) ActiveNear(p geo.Point) ([]Geofence, error) {
	if err := p.Validate(); err != nil {
		return nil, apperr.Validation("radar.near", "", err.Error())
	}
	hits := e.index.Within(p, RadiusM)
	out := make([]Geofence, 0, len(hits))
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range hits {
		s, ok := e.sessions[h.Key]
		if !ok {
			continue
		}
		g := s.geofence()
		g.EntityID = ""
		out = append(out, g)
	}
	return out, nil
}

// Active counts active sessions.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Shutdown stops every refresh loop without applying terminal effects and
// waits for them, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish radar event failed", "type", ev.Type, "geofence_id", ev.Key, "error", err)
	}
}
