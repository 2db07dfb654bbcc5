package radar

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/archive"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/telemetry"
	"github.com/mbd888/nirbhaya/internal/trust"
)

var (
	t0     = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	center = geo.Point{Lat: 28.6139, Lon: 77.2090}
)

type fixture struct {
	clock  *clock.Manual
	gts    *telemetry.Service
	ledger *trust.Ledger
	sink   *archive.MemorySink
	rec    *notify.Recorder
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	f := &fixture{
		clock: clk,
		gts:   telemetry.NewService(telemetry.NewMemoryStore(clk), clk, telemetry.DefaultTTL, slog.Default()),
		sink:  archive.NewMemorySink(),
		rec:   &notify.Recorder{},
	}
	f.ledger = trust.NewLedger(trust.NewMemoryStore(), clk, nil, slog.Default())
	f.engine = NewEngine(Deps{
		Positions: f.gts,
		Keys:      NewKeyRotator(DefaultKeyRotation, nil, clk),
		Trust:     f.ledger,
		Sink:      f.sink,
		Publisher: f.rec,
	}, clk, cfg, slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) put(t *testing.T, entity string, p geo.Point) {
	t.Helper()
	require.NoError(t, f.gts.Put(context.Background(), entity, p, time.Time{}, 5))
}

// east returns the point d metres due east of the activator.
func east(d float64) geo.Point { return geo.Offset(center, d, 90) }

// refresh drives one tick of every session loop and waits for the given
// session to publish a snapshot for the new time.
func (f *fixture) refresh(t *testing.T, geofenceID string, sessions int) *Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return f.clock.Tickers() == sessions }, time.Second, time.Millisecond)
	f.clock.Advance(DefaultRefreshInterval)
	want := f.clock.Now()
	var snap *Snapshot
	require.Eventually(t, func() bool {
		s, err := f.engine.Snapshot(geofenceID)
		if err != nil {
			return false
		}
		snap = s
		return s.GeneratedAt.Equal(want)
	}, time.Second, time.Millisecond)
	return snap
}

func (f *fixture) activate(t *testing.T, entity string) *Activation {
	t.Helper()
	f.put(t, entity, center)
	out, err := f.engine.Activate(context.Background(), entity, center)
	require.NoError(t, err)
	return out
}

// ---------------------------------------------------------------------------
// Activation and snapshots
// ---------------------------------------------------------------------------

func TestActivate_InitialSnapshot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.put(t, "near", east(10))
	f.put(t, "edge", east(49))
	f.put(t, "outside", east(51))
	f.put(t, "far", east(300))

	out := f.activate(t, "victim")

	assert.False(t, out.Existing)
	assert.Equal(t, RadiusM, out.Geofence.RadiusM)
	assert.True(t, out.Geofence.Active)
	require.Len(t, out.Snapshot.Members, 2)
	assert.InDelta(t, 10, out.Snapshot.Members[0].DistanceM, 0.5)
	assert.InDelta(t, 49, out.Snapshot.Members[1].DistanceM, 0.5)
	assert.InDelta(t, 90, out.Snapshot.Members[0].BearingDeg, 0.5)
	for _, m := range out.Snapshot.Members {
		assert.LessOrEqual(t, m.DistanceM, RadiusM)
		assert.NotContains(t, m.AnonID, "near")
		assert.NotContains(t, m.AnonID, "edge")
	}

	alerts := f.rec.OfType(notify.TypeSOSAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, out.Geofence.ID, alerts[0].Key)
	assert.Len(t, f.rec.OfType(notify.TypeSOSActivated), 1)
	assert.Len(t, f.rec.OfType(notify.TypeGeofenceEntry), 2)
}

func TestActivate_ExcludesActivator(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	out := f.activate(t, "victim")
	assert.Empty(t, out.Snapshot.Members)
}

func TestActivate_ExistingSessionIsReturned(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := f.activate(t, "victim")

	second, err := f.engine.Activate(context.Background(), "victim", east(5))
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Geofence.ID, second.Geofence.ID)
	assert.Equal(t, 1, f.engine.Active())
	assert.Len(t, f.rec.OfType(notify.TypeSOSAlert), 1)
}

func TestActivate_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.engine.Activate(context.Background(), "", center)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.Activate(context.Background(), "victim", geo.Point{Lat: 100, Lon: 0})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, f.engine.Active())
}

func TestRefresh_ExitAndReentryKeepAnonID(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.put(t, "helper", east(30))
	out := f.activate(t, "victim")
	id := out.Geofence.ID
	require.Len(t, out.Snapshot.Members, 1)
	anon := out.Snapshot.Members[0].AnonID

	f.put(t, "victim", center)
	f.put(t, "helper", east(60))
	snap := f.refresh(t, id, 1)
	assert.Empty(t, snap.Members)
	exits := f.rec.OfType(notify.TypeGeofenceExit)
	require.Len(t, exits, 1)
	assert.Equal(t, id, exits[0].Key)

	f.put(t, "victim", center)
	f.put(t, "helper", east(40))
	snap = f.refresh(t, id, 1)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, anon, snap.Members[0].AnonID)
	assert.InDelta(t, 40, snap.Members[0].DistanceM, 0.5)
	assert.Len(t, f.rec.OfType(notify.TypeGeofenceEntry), 2)
	assert.NotEmpty(t, f.rec.OfType(notify.TypeRadarSnapshot))
}

func TestRefresh_ExpiredPositionsDrop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.put(t, "helper", east(20))
	out := f.activate(t, "victim")
	require.Len(t, out.Snapshot.Members, 1)

	// Advance past the position lifetime without any new ping.
	for i := 0; i < 12; i++ {
		f.refresh(t, out.Geofence.ID, 1)
	}
	snap, err := f.engine.Snapshot(out.Geofence.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Members)
}

func TestRefresh_CenterFollowsActivator(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	out := f.activate(t, "victim")
	moved := geo.Offset(center, 120, 0)

	f.put(t, "victim", moved)
	f.put(t, "helper", geo.Offset(moved, 20, 180))
	snap := f.refresh(t, out.Geofence.ID, 1)

	require.Len(t, snap.Members, 1)
	assert.InDelta(t, 180, snap.Members[0].BearingDeg, 0.5)

	g, err := f.engine.Geofence(out.Geofence.ID)
	require.NoError(t, err)
	assert.InDelta(t, moved.Lat, g.Center.Lat, 1e-9)

	near, err := f.engine.ActiveNear(moved)
	require.NoError(t, err)
	assert.Len(t, near, 1)
	old, err := f.engine.ActiveNear(center)
	require.NoError(t, err)
	assert.Empty(t, old)
}

// ---------------------------------------------------------------------------
// Deactivation
// ---------------------------------------------------------------------------

func TestDeactivate_ResolvedAppliesOneTrustEvent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.put(t, "helper", east(15))
	out := f.activate(t, "victim")
	id := out.Geofence.ID
	end := east(3)

	summary, err := f.engine.Deactivate(context.Background(), id, ReasonResolved, &end)
	require.NoError(t, err)
	assert.Equal(t, "resolved", summary.Reason)
	assert.Equal(t, 1, summary.PeakMembers)
	assert.Equal(t, 0, f.clock.Tickers(), "refresh loop must have exited")

	hist, err := f.ledger.History(context.Background(), "victim", 0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, trust.EventCleanRecord, hist[0].Event)
	assert.Equal(t, id, hist[0].Reference)

	sessions := f.sink.Sessions()
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Deactivation)
	assert.Equal(t, end, *sessions[0].Deactivation)

	near, err := f.engine.ActiveNear(center)
	require.NoError(t, err)
	assert.Empty(t, near)
	_, err = f.engine.Snapshot(id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Deactivate(context.Background(), id, ReasonResolved, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	hist, _ = f.ledger.History(context.Background(), "victim", 0, 10)
	assert.Len(t, hist, 1)
}

func TestDeactivate_FalseAlarmPenalizesActivator(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	out := f.activate(t, "victim")

	_, err := f.engine.Deactivate(context.Background(), out.Geofence.ID, ReasonFalseAlarm, nil)
	require.NoError(t, err)

	rec, err := f.ledger.Get(context.Background(), "victim")
	require.NoError(t, err)
	assert.Equal(t, 35, rec.Score)
	assert.Len(t, f.rec.OfType(notify.TypeSOSDeactivated), 1)
}

func TestDeactivate_RejectsUnknownReason(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	out := f.activate(t, "victim")

	for _, r := range []Reason{"", "bored", ReasonTimeout} {
		_, err := f.engine.Deactivate(context.Background(), out.Geofence.ID, r, nil)
		assert.ErrorIs(t, err, apperr.ErrValidation, "reason %q", r)
	}
	assert.Equal(t, 1, f.engine.Active())
}

func TestDeactivate_CanReactivateAfterwards(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := f.activate(t, "victim")
	_, err := f.engine.Deactivate(context.Background(), first.Geofence.ID, ReasonResolved, nil)
	require.NoError(t, err)

	second := f.activate(t, "victim")
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.Geofence.ID, second.Geofence.ID)
}

func TestTimeout_EndsSessionWithoutTrustEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessionDuration = DefaultRefreshInterval
	f := newFixture(t, cfg)
	out := f.activate(t, "victim")

	require.Eventually(t, func() bool { return f.clock.Tickers() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(DefaultRefreshInterval)
	require.Eventually(t, func() bool { return len(f.sink.Sessions()) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, f.engine.Active())
	assert.Equal(t, string(ReasonTimeout), f.sink.Sessions()[0].Reason)
	hist, err := f.ledger.History(context.Background(), "victim", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = f.engine.Deactivate(context.Background(), out.Geofence.ID, ReasonResolved, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Member reports
// ---------------------------------------------------------------------------

func TestReportMember(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.put(t, "stalker", east(12))
	out := f.activate(t, "victim")
	id := out.Geofence.ID
	anon := out.Snapshot.Members[0].AnonID
	ctx := context.Background()

	require.NoError(t, f.engine.ReportMember(ctx, id, "victim", anon))
	rec, err := f.ledger.Get(ctx, "stalker")
	require.NoError(t, err)
	assert.Equal(t, 40, rec.Score)

	err = f.engine.ReportMember(ctx, id, "victim", anon)
	assert.ErrorIs(t, err, apperr.ErrInvalidMove)

	err = f.engine.ReportMember(ctx, id, "victim", "anon_nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = f.engine.ReportMember(ctx, id, "stalker", anon)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	err = f.engine.ReportMember(ctx, "gf_missing", "victim", anon)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReportMember_AfterExit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.put(t, "stalker", east(12))
	out := f.activate(t, "victim")
	anon := out.Snapshot.Members[0].AnonID

	f.put(t, "victim", center)
	f.put(t, "stalker", east(200))
	snap := f.refresh(t, out.Geofence.ID, 1)
	require.Empty(t, snap.Members)

	require.NoError(t, f.engine.ReportMember(context.Background(), out.Geofence.ID, "victim", anon))
}

// ---------------------------------------------------------------------------
// Index
// ---------------------------------------------------------------------------

func TestActiveNear(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	out := f.activate(t, "victim")

	inside, err := f.engine.ActiveNear(east(30))
	require.NoError(t, err)
	require.Len(t, inside, 1)
	assert.Equal(t, out.Geofence.ID, inside[0].ID)
	assert.Empty(t, inside[0].EntityID)

	outside, err := f.engine.ActiveNear(east(80))
	require.NoError(t, err)
	assert.Empty(t, outside)

	_, err = f.engine.ActiveNear(geo.Point{Lat: 0, Lon: 200})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestShutdown_StopsLoops(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.activate(t, "a")
	f.put(t, "b", east(200))
	_, err := f.engine.Activate(context.Background(), "b", east(200))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.clock.Tickers() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))
	assert.Equal(t, 0, f.clock.Tickers())
	assert.Empty(t, f.sink.Sessions())
}
