package routes

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
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
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// busyNorth reports v north of 28.65 and zero south of it, so a route's
// latitude decides how well it scores.
func busyNorth(p geo.Point, v float64) float64 {
	if p.Lat > 28.65 {
		return v
	}
	return 0
}

type fakeCrowd struct {
	calls atomic.Int64
	count func(p geo.Point) int
}

func (f *fakeCrowd) RadiusQuery(_ context.Context, center geo.Point, _ float64) ([]telemetry.Result, error) {
	f.calls.Add(1)
	n := f.count(center)
	out := make([]telemetry.Result, n)
	for i := range out {
		out[i] = telemetry.Result{EntityID: "e", Location: center}
	}
	return out, nil
}

type fakeCrime struct {
	calls     atomic.Int64
	mu        sync.Mutex
	fail      bool
	incidents []CrimeIncident
}

func (f *fakeCrime) IncidentsNear(context.Context, CrimeQuery) ([]CrimeIncident, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("registry unavailable")
	}
	return f.incidents, nil
}

func (f *fakeCrime) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

// gatedCrime blocks every lookup until release is closed or the lookup's
// context ends.
type gatedCrime struct {
	calls     atomic.Int64
	started   chan struct{}
	release   chan struct{}
	once      sync.Once
	incidents []CrimeIncident
}

func newGatedCrime(incidents ...CrimeIncident) *gatedCrime {
	return &gatedCrime{started: make(chan struct{}), release: make(chan struct{}), incidents: incidents}
}

func (g *gatedCrime) IncidentsNear(ctx context.Context, _ CrimeQuery) ([]CrimeIncident, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.incidents, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeCommercial struct {
	calls atomic.Int64
	count func(p geo.Point) int
}

func (f *fakeCommercial) OpenVenuesNear(_ context.Context, center geo.Point, _ float64) (int, error) {
	f.calls.Add(1)
	return f.count(center), nil
}

type fakeImagery struct {
	calls  atomic.Int64
	bright func(p geo.Point) float64
	block  bool
}

func (f *fakeImagery) Brightness(ctx context.Context, p geo.Point, _ float64) (float64, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.bright(p), nil
}

type fakeDirections struct {
	calls  atomic.Int64
	routes [][]geo.Point
}

func (f *fakeDirections) Routes(context.Context, geo.Point, geo.Point) ([][]geo.Point, error) {
	f.calls.Add(1)
	return f.routes, nil
}

type fixture struct {
	scorer     *Scorer
	clock      *clock.Manual
	crowd      *fakeCrowd
	crime      *fakeCrime
	commercial *fakeCommercial
	imagery    *fakeImagery
	directions *fakeDirections
	sink       *archive.MemorySink
	events     *notify.Recorder
}

var (
	origin      = geo.Point{Lat: 28.6000, Lon: 77.2000}
	destination = geo.Point{Lat: 28.6000, Lon: 77.2100}
	southRoute  = []geo.Point{origin, destination}
	northRoute  = []geo.Point{origin, {Lat: 28.8000, Lon: 77.2050}, destination}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:      clock.NewManual(time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)),
		crowd:      &fakeCrowd{count: func(p geo.Point) int { return int(busyNorth(p, 20)) }},
		crime:      &fakeCrime{},
		commercial: &fakeCommercial{count: func(p geo.Point) int { return int(busyNorth(p, 10)) }},
		imagery:    &fakeImagery{bright: func(p geo.Point) float64 { return busyNorth(p, 100) }},
		directions: &fakeDirections{routes: [][]geo.Point{southRoute, northRoute}},
		sink:       archive.NewMemorySink(),
		events:     &notify.Recorder{},
	}
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	f.scorer = NewScorer(Deps{
		Crowd:      f.crowd,
		Crime:      f.crime,
		Commercial: f.commercial,
		Imagery:    f.imagery,
		Directions: f.directions,
		Sink:       f.sink,
		Publisher:  f.events,
	}, f.clock, cfg, slog.Default())
	return f
}

func request(polylines ...[]geo.Point) RouteRequest {
	return RouteRequest{Origin: origin, Destination: destination, Polylines: polylines}
}

// ---------------------------------------------------------------------------
// Pure scoring rules
// ---------------------------------------------------------------------------

func TestComposite_StaysInRange(t *testing.T) {
	for _, crowd := range []float64{0, 33, 100} {
		for _, crime := range []float64{0, 50, 100} {
			for _, commercial := range []float64{0, 71, 100} {
				for _, lighting := range []float64{0, 12, 100} {
					f := Factors{Crowd: crowd, Crime: crime, Commercial: commercial, Lighting: lighting}
					c := DefaultWeights.Composite(f)
					want := 0.35*crowd + 0.30*crime + 0.25*commercial + 0.10*lighting
					assert.InDelta(t, want, c, 1e-9)
					assert.GreaterOrEqual(t, c, 0.0)
					assert.LessOrEqual(t, c, 100.0)
				}
			}
		}
	}
}

func TestClassify_Boundaries(t *testing.T) {
	assert.Equal(t, ClassSafe, Classify(70.01))
	assert.Equal(t, ClassMedium, Classify(70))
	assert.Equal(t, ClassMedium, Classify(67.5))
	assert.Equal(t, ClassMedium, Classify(40))
	assert.Equal(t, ClassHighRisk, Classify(39.99))
}

func TestFactorNormalisation(t *testing.T) {
	assert.Equal(t, 0.0, crowdScore(0))
	assert.Equal(t, 50.0, crowdScore(10))
	assert.Equal(t, 100.0, crowdScore(45))
	assert.Equal(t, 70.0, commercialScore(7))
	assert.Equal(t, 100.0, commercialScore(12))
	assert.Equal(t, 100.0, lightingScore(140))
	assert.Equal(t, 0.0, lightingScore(-3))
}

func TestCrimeScore_NearerAndWorseIsLower(t *testing.T) {
	mid := geo.Point{Lat: 28.6, Lon: 77.2}
	near := []CrimeIncident{{Location: mid, Severity: 10}}
	far := []CrimeIncident{{Location: geo.Offset(mid, 800, 90), Severity: 10}}
	outside := []CrimeIncident{{Location: geo.Offset(mid, 1500, 90), Severity: 10}}

	assert.Equal(t, 100.0, crimeScore(mid, nil))
	assert.InDelta(t, 80.0, crimeScore(mid, near), 1e-6)
	assert.Greater(t, crimeScore(mid, far), crimeScore(mid, near))
	assert.Equal(t, 100.0, crimeScore(mid, outside))
}

func TestRouteKey_DependsOnAlternativeIndex(t *testing.T) {
	a := RouteKey(origin, destination, 0)
	assert.Len(t, a, 64)
	assert.Equal(t, a, RouteKey(origin, destination, 0))
	assert.NotEqual(t, a, RouteKey(origin, destination, 1))
	assert.NotEqual(t, a, RouteKey(destination, origin, 0))
}

// ---------------------------------------------------------------------------
// Scorer
// ---------------------------------------------------------------------------

func TestScoreRoutes_MediumScenario(t *testing.T) {
	f := newFixture(t)
	mid := geo.Midpoint(origin, destination)
	f.crowd.count = func(geo.Point) int { return 16 }
	f.commercial.count = func(geo.Point) int { return 7 }
	f.imagery.bright = func(geo.Point) float64 { return 40 }
	// Two severity-10 incidents on the midpoint give a crime factor of 60.
	f.crime.incidents = []CrimeIncident{{Location: mid, Severity: 10}, {Location: mid, Severity: 10}}

	res, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)

	rs := res.Primary()
	assert.InDelta(t, 80, rs.Factors.Crowd, 1e-6)
	assert.InDelta(t, 60, rs.Factors.Crime, 1e-3)
	assert.InDelta(t, 70, rs.Factors.Commercial, 1e-6)
	assert.InDelta(t, 40, rs.Factors.Lighting, 1e-6)
	assert.InDelta(t, 67.5, rs.Composite, 1e-3)
	assert.Equal(t, ClassMedium, rs.Classification)
	assert.Empty(t, rs.Degradations)
	assert.Equal(t, f.clock.Now().Add(time.Hour), rs.ExpiresAt)
	assert.Nil(t, res.SaferAlternative)
	assert.False(t, res.NoSaferAlternative)
}

func TestScoreRoutes_CacheHitBypassesLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	assert.False(t, first.Primary().Cached)

	calls := f.crowd.calls.Load() + f.crime.calls.Load() + f.commercial.calls.Load() + f.imagery.calls.Load()
	require.Positive(t, calls)

	second, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	assert.True(t, second.Primary().Cached)
	assert.Equal(t, first.Primary().Composite, second.Primary().Composite)
	assert.Equal(t, calls, f.crowd.calls.Load()+f.crime.calls.Load()+f.commercial.calls.Load()+f.imagery.calls.Load())
	assert.Equal(t, int64(1), f.scorer.CacheStats().Hits)
}

func TestScoreRoutes_CacheExpiresAfterAnHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	before := f.crowd.calls.Load()

	f.clock.Advance(time.Hour)
	res, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	assert.False(t, res.Primary().Cached)
	assert.Greater(t, f.crowd.calls.Load(), before)
}

func TestScoreRoutes_HighRiskGetsSaferAlternative(t *testing.T) {
	f := newFixture(t)

	res, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute, northRoute))
	require.NoError(t, err)

	primary := res.Primary()
	assert.Equal(t, ClassHighRisk, primary.Classification)
	require.NotNil(t, res.SaferAlternative)
	assert.Equal(t, 1, res.SaferAlternative.AlternativeIndex)
	assert.Greater(t, res.SaferAlternative.Composite, primary.Composite)
	assert.False(t, res.NoSaferAlternative)

	evs := f.events.OfType(notify.TypeRouteHighRisk)
	require.Len(t, evs, 1)
	assert.Equal(t, primary.RouteKey, evs[0].Key)
}

func TestScoreRoutes_NoSaferAlternativeIsReported(t *testing.T) {
	f := newFixture(t)

	// Both candidates run through the quiet south side.
	other := []geo.Point{origin, {Lat: 28.6010, Lon: 77.2050}, destination}
	res, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute, other))
	require.NoError(t, err)

	assert.Equal(t, ClassHighRisk, res.Primary().Classification)
	assert.Nil(t, res.SaferAlternative)
	assert.True(t, res.NoSaferAlternative)
	assert.Equal(t, MsgNoSaferAlternative, res.Message)
}

func TestScoreRoutes_CrimeFallsBackToStaleArea(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mid := geo.Midpoint(origin, destination)
	f.crime.incidents = []CrimeIncident{{Location: mid, Severity: 10}}

	first, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	wantCrime := first.Primary().Factors.Crime

	f.clock.Advance(25 * time.Hour)
	f.crime.setFail(true)
	before := f.crime.calls.Load()

	res, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	rs := res.Primary()
	assert.InDelta(t, wantCrime, rs.Factors.Crime, 1e-9)
	assert.Contains(t, rs.Degradations, "crime:cached")
	assert.Equal(t, int64(4), f.crime.calls.Load()-before, "one call plus three retries")
}

func TestScoreRoutes_CrimeNeutralWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.crime.setFail(true)

	res, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)
	rs := res.Primary()
	assert.Equal(t, NeutralScore, rs.Factors.Crime)
	assert.Contains(t, rs.Degradations, "crime:neutral")

	// Degraded results are not cached.
	again, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)
	assert.False(t, again.Primary().Cached)
}

func TestScoreRoutes_FreshCrimeAreaIsReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	require.Equal(t, int64(1), f.crime.calls.Load())

	// Past the score cache but well within the crime cache.
	f.clock.Advance(2 * time.Hour)
	_, err = f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.crime.calls.Load())
}

func TestScoreRoutes_SlowLookupDegradesWithinDeadline(t *testing.T) {
	f := newFixture(t)
	f.imagery.block = true
	f.scorer.cfg.Deadline = 50 * time.Millisecond

	start := time.Now()
	res, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	rs := res.Primary()
	assert.Equal(t, NeutralScore, rs.Factors.Lighting)
	assert.Contains(t, rs.Degradations, "lighting:neutral")

	// a timed-out upstream may recover, so the score is not cached
	again, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)
	assert.False(t, again.Primary().Cached)
}

func TestScoreRoutes_UnconfiguredCollaboratorStillCaches(t *testing.T) {
	f := newFixture(t)
	f.scorer.imagery = nil
	ctx := context.Background()

	first, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	assert.False(t, first.Primary().Cached)
	assert.Equal(t, []string{"lighting:neutral"}, first.Primary().Degradations)
	crowdCalls := f.crowd.calls.Load()

	second, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	rs := second.Primary()
	assert.True(t, rs.Cached)
	assert.Equal(t, []string{"lighting:neutral"}, rs.Degradations)
	assert.Equal(t, crowdCalls, f.crowd.calls.Load(), "no crowd lookups on a cache hit")
	assert.Equal(t, int64(1), f.scorer.CacheStats().Hits)
}

func TestScoreRoutes_NewGeometryForSameEndpointsIsRescored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	south, err := f.scorer.ScoreRoutes(ctx, request(southRoute))
	require.NoError(t, err)
	calls := f.crowd.calls.Load()

	// same origin, destination and index, different polyline
	north, err := f.scorer.ScoreRoutes(ctx, request(northRoute))
	require.NoError(t, err)
	assert.Equal(t, south.Primary().RouteKey, north.Primary().RouteKey)
	assert.False(t, north.Primary().Cached)
	assert.Greater(t, north.Primary().Composite, south.Primary().Composite)
	assert.Greater(t, f.crowd.calls.Load(), calls)

	// the newer geometry now owns the entry
	again, err := f.scorer.ScoreRoutes(ctx, request(northRoute))
	require.NoError(t, err)
	assert.True(t, again.Primary().Cached)
	assert.Equal(t, north.Primary().Composite, again.Primary().Composite)
}

func TestScoreRoutes_MissingCollaboratorsDegrade(t *testing.T) {
	clk := clock.NewManual(time.Now())
	s := NewScorer(Deps{}, clk, DefaultConfig(), slog.Default())

	res, err := s.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)
	rs := res.Primary()
	assert.InDelta(t, 50.0, rs.Composite, 1e-9)
	assert.ElementsMatch(t, []string{"crime:neutral", "crowd:neutral", "commercial:neutral", "lighting:neutral"}, rs.Degradations)

	// nothing is configured, so nothing can recover: cache it
	again, err := s.ScoreRoutes(context.Background(), request(southRoute))
	require.NoError(t, err)
	assert.True(t, again.Primary().Cached)
}

func TestScoreRoutes_ArchivesComputedScores(t *testing.T) {
	f := newFixture(t)
	_, err := f.scorer.ScoreRoutes(context.Background(), request(southRoute, northRoute))
	require.NoError(t, err)

	recs := f.sink.RouteScores()
	require.Len(t, recs, 2)
	assert.Equal(t, origin, recs[0].Origin)
}

func TestScoreRoutes_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]RouteRequest{
		"no routes":       {Origin: origin, Destination: destination},
		"bad origin":      {Origin: geo.Point{Lat: 91}, Destination: destination, Polylines: [][]geo.Point{southRoute}},
		"single vertex":   request([]geo.Point{origin}),
		"zero length":     request([]geo.Point{origin, origin}),
		"bad vertex":      request([]geo.Point{origin, {Lat: 12, Lon: 200}}),
		"too many routes": request(southRoute, southRoute, southRoute, southRoute, southRoute, southRoute),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.scorer.ScoreRoutes(ctx, req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestAnalyze_UsesDirectionsThenCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.scorer.Analyze(ctx, origin, destination)
	require.NoError(t, err)
	require.Len(t, res.Routes, 2)
	assert.Equal(t, int64(1), f.directions.calls.Load())

	again, err := f.scorer.Analyze(ctx, origin, destination)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.directions.calls.Load(), "cached primary bypasses directions")
	assert.True(t, again.Primary().Cached)
	require.NotNil(t, again.SaferAlternative)
}

func TestAnalyze_WithoutDirectionsIsUpstreamError(t *testing.T) {
	s := NewScorer(Deps{}, clock.NewManual(time.Now()), DefaultConfig(), slog.Default())
	_, err := s.Analyze(context.Background(), origin, destination)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

type crimeResult struct {
	incidents []CrimeIncident
	tag       string
	ok        bool
}

func lookupCrime(ctx context.Context, s *Scorer, p geo.Point) <-chan crimeResult {
	out := make(chan crimeResult, 1)
	go func() {
		incidents, tag, ok := s.crime.incidents(ctx, p)
		out <- crimeResult{incidents, tag, ok}
	}()
	return out
}

func TestCrimeSource_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	mid := geo.Midpoint(origin, destination)
	gate := newGatedCrime(CrimeIncident{Location: mid, Severity: 5})
	s := NewScorer(Deps{Crime: gate}, clock.NewManual(time.Now()), DefaultConfig(), slog.Default())

	ctxA, cancelA := context.WithCancel(context.Background())
	first := lookupCrime(ctxA, s, mid)
	<-gate.started

	// the first caller gives up without waiting for the registry
	cancelA()
	select {
	case r := <-first:
		assert.False(t, r.ok)
		assert.Equal(t, degradeCrimeNone, r.tag)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting on the shared lookup")
	}

	second := lookupCrime(context.Background(), s, mid)
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	select {
	case r := <-second:
		require.True(t, r.ok)
		assert.Empty(t, r.tag)
		assert.Len(t, r.incidents, 1)
	case <-time.After(time.Second):
		t.Fatal("second caller never got the shared result")
	}
	assert.Equal(t, int64(1), gate.calls.Load())

	// the result was cached by the shared lookup
	incidents, tag, ok := s.crime.incidents(context.Background(), mid)
	assert.True(t, ok)
	assert.Empty(t, tag)
	assert.Len(t, incidents, 1)
	assert.Equal(t, int64(1), gate.calls.Load())
}

func TestCrimeSource_SharedLookupIsBounded(t *testing.T) {
	gate := newGatedCrime()
	cfg := DefaultConfig()
	cfg.Deadline = 50 * time.Millisecond
	cfg.CrimeRetries = 0
	s := NewScorer(Deps{Crime: gate}, clock.NewManual(time.Now()), cfg, slog.Default())

	select {
	case r := <-lookupCrime(context.Background(), s, origin):
		assert.False(t, r.ok)
		assert.Equal(t, degradeCrimeNone, r.tag)
	case <-time.After(2 * time.Second):
		t.Fatal("shared lookup ignored its deadline")
	}
}
