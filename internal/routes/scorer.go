package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/archive"
	"github.com/mbd888/nirbhaya/internal/circuitbreaker"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/retry"
	"github.com/mbd888/nirbhaya/internal/traces"
)

const (
	breakerDirections = "directions"
	breakerPlaces     = "places"
	breakerImagery    = "imagery"

	degradeCrowd      = "crowd:neutral"
	degradeCommercial = "commercial:neutral"
	degradeLighting   = "lighting:neutral"
)

// Config controls the scorer.
type Config struct {
	Deadline        time.Duration
	CacheTTL        time.Duration
	CacheSize       int
	CrimeTTL        time.Duration
	CrimeRetries    int
	RetryBaseDelay  time.Duration
	CrimeCategory   string
	CrimeLookback   time.Duration
	MaxAlternatives int
	MaxVertices     int
	// Concurrency bounds the number of in-flight collaborator calls.
	Concurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Deadline:        DefaultDeadline,
		CacheTTL:        DefaultCacheTTL,
		CacheSize:       DefaultCacheSize,
		CrimeTTL:        DefaultCrimeTTL,
		CrimeRetries:    DefaultCrimeRetries,
		RetryBaseDelay:  100 * time.Millisecond,
		CrimeCategory:   "violent",
		CrimeLookback:   365 * 24 * time.Hour,
		MaxAlternatives: 5,
		MaxVertices:     2000,
		Concurrency:     32,
	}
}

// Deps are the scorer's collaborators. Any of Crime, Commercial, Imagery
// and Directions may be nil; their factor then degrades to neutral.
type Deps struct {
	Crowd      CrowdCounter
	Crime      CrimeRegistry
	Commercial CommercialLookup
	Imagery    ImageryService
	Directions DirectionsProvider
	Breaker    *circuitbreaker.Breaker
	Sink       archive.Sink
	Publisher  notify.Publisher
}

// Scorer computes and caches route safety scores.
type Scorer struct {
	crowd      CrowdCounter
	crime      *crimeSource
	commercial CommercialLookup
	imagery    ImageryService
	directions DirectionsProvider
	breaker    *circuitbreaker.Breaker
	cache      *ScoreCache
	sink       archive.Sink
	pub        notify.Publisher
	clock      clock.Clock
	cfg        Config
	weights    Weights
	logger     *slog.Logger
}

// NewScorer wires a scorer.
func NewScorer(deps Deps, clk clock.Clock, cfg Config, logger *slog.Logger) *Scorer {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CrimeTTL <= 0 {
		cfg.CrimeTTL = def.CrimeTTL
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = def.MaxAlternatives
	}
	if cfg.MaxVertices <= 0 {
		cfg.MaxVertices = def.MaxVertices
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	breaker := deps.Breaker
	if breaker == nil {
		breaker = circuitbreaker.NewWithClock(5, 30*time.Second, clk)
	}
	pub := deps.Publisher
	if pub == nil {
		pub = notify.Discard{}
	}

	return &Scorer{
		crowd: deps.Crowd,
		crime: &crimeSource{
			registry: deps.Crime,
			breaker:  breaker,
			policy:   retry.Policy{Retries: cfg.CrimeRetries, BaseDelay: cfg.RetryBaseDelay, MaxDelay: time.Second},
			cache:    newLRU[[]CrimeIncident](cfg.CacheSize),
			grid:     geo.NewGrid(CrimeAreaCellM),
			ttl:      cfg.CrimeTTL,
			category: cfg.CrimeCategory,
			lookback: cfg.CrimeLookback,
			clock:    clk,
			timeout:  cfg.Deadline,
		},
		commercial: deps.Commercial,
		imagery:    deps.Imagery,
		directions: deps.Directions,
		breaker:    breaker,
		cache:      NewScoreCache(cfg.CacheSize, clk),
		sink:       deps.Sink,
		pub:        pub,
		clock:      clk,
		cfg:        cfg,
		weights:    DefaultWeights,
		logger:     logger,
	}
}

// CacheStats exposes score cache statistics.
func (s *Scorer) CacheStats() CacheStats { return s.cache.Stats() }

// ScoreRoutes scores the primary route and its alternatives. Index 0 of
// req.Polylines is the primary.
func (s *Scorer) ScoreRoutes(ctx context.Context, req RouteRequest) (*Result, error) {
	const op = "routes.score"
	if err := s.validate(op, req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "routes.Score", traces.RouteKey(RouteKey(req.Origin, req.Destination, 0)))
	defer span.End()

	start := time.Now()
	defer func() { scoreDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	return s.score(ctx, req), nil
}

// Analyze fetches candidate routes from the directions provider and scores
// them. A cached primary short-circuits every external lookup.
func (s *Scorer) Analyze(ctx context.Context, origin, destination geo.Point) (*Result, error) {
	const op = "routes.analyze"
	if err := origin.Validate(); err != nil {
		return nil, apperr.Validation(op, "", "origin: "+err.Error())
	}
	if err := destination.Validate(); err != nil {
		return nil, apperr.Validation(op, "", "destination: "+err.Error())
	}

	start := time.Now()
	defer func() { scoreDuration.Observe(time.Since(start).Seconds()) }()

	if cached := s.cachedSet(origin, destination); cached != nil {
		return s.finish(ctx, cached), nil
	}

	if s.directions == nil {
		return nil, apperr.New(op, "", apperr.ErrUpstream, errors.New("no directions provider configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	var polylines [][]geo.Point
	err := s.breaker.Execute(breakerDirections, func() error {
		var err error
		polylines, err = s.directions.Routes(ctx, origin, destination)
		return err
	}, retry.IsPermanent)
	if err != nil {
		return nil, apperr.New(op, "", apperr.ErrUpstream, err)
	}
	if len(polylines) == 0 {
		return nil, apperr.New(op, "", apperr.ErrNotFound, errors.New("directions returned no route"))
	}
	if len(polylines) > s.cfg.MaxAlternatives {
		polylines = polylines[:s.cfg.MaxAlternatives]
	}

	req := RouteRequest{Origin: origin, Destination: destination, Polylines: polylines}
	if err := s.validate(op, req); err != nil {
		return nil, apperr.New(op, "", apperr.ErrUpstream, err)
	}
	return s.score(ctx, req), nil
}

// cachedSet returns the cached primary and any consecutively cached
// alternatives, or nil if the primary is not cached.
func (s *Scorer) cachedSet(origin, destination geo.Point) []RouteScore {
	var out []RouteScore
	for i := 0; i < s.cfg.MaxAlternatives; i++ {
		// directions output is not known yet, so any geometry matches
		rs, ok := s.cache.Get(RouteKey(origin, destination, i), "")
		if !ok {
			break
		}
		out = append(out, rs)
	}
	return out
}

func (s *Scorer) validate(op string, req RouteRequest) error {
	if err := req.Origin.Validate(); err != nil {
		return apperr.Validation(op, "", "origin: "+err.Error())
	}
	if err := req.Destination.Validate(); err != nil {
		return apperr.Validation(op, "", "destination: "+err.Error())
	}
	if len(req.Polylines) == 0 {
		return apperr.Validation(op, "", "at least one route is required")
	}
	if len(req.Polylines) > s.cfg.MaxAlternatives {
		return apperr.Validation(op, "", fmt.Sprintf("at most %d routes may be scored at once", s.cfg.MaxAlternatives))
	}
	for i, pl := range req.Polylines {
		if len(pl) > s.cfg.MaxVertices {
			return apperr.Validation(op, "", fmt.Sprintf("route %d has more than %d vertices", i, s.cfg.MaxVertices))
		}
		ls, err := geo.LineString(pl)
		if err != nil {
			return apperr.Validation(op, "", fmt.Sprintf("route %d: %v", i, err))
		}
		if len(geo.Segments(ls)) == 0 {
			return apperr.Validation(op, "", fmt.Sprintf("route %d has zero length", i))
		}
	}
	return nil
}

// routeWork is the in-progress state of one uncached route.
type routeWork struct {
	index    int
	key      string
	path     string
	polyline []geo.Point
	segments []geo.Segment
	factors  []segmentFactors

	mu        sync.Mutex
	degraded  map[string]struct{}
	transient bool
}

// degrade records a neutral factor. Transient degradations (an upstream
// that failed or timed out) keep the score out of the cache; a collaborator
// that is not configured at all does not.
func (w *routeWork) degrade(tag string, transient bool) {
	w.mu.Lock()
	w.degraded[tag] = struct{}{}
	w.transient = w.transient || transient
	w.mu.Unlock()
	degradationsTotal.WithLabelValues(tag).Inc()
}

func (w *routeWork) cacheable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.transient
}

func (w *routeWork) degradations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.degraded) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.degraded))
	for tag := range w.degraded {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// score computes every route of req, serving cached ones from the cache.
// It never fails: lookups that error or miss the deadline degrade.
func (s *Scorer) score(ctx context.Context, req RouteRequest) *Result {
	scores := make([]RouteScore, len(req.Polylines))
	var work []*routeWork

	for i, pl := range req.Polylines {
		key, path := RouteKey(req.Origin, req.Destination, i), PathKey(pl)
		if rs, ok := s.cache.Get(key, path); ok {
			scores[i] = rs
			continue
		}
		ls, _ := geo.LineString(pl)
		segs := geo.Segments(ls)
		work = append(work, &routeWork{
			index:    i,
			key:      key,
			path:     path,
			polyline: pl,
			segments: segs,
			factors:  make([]segmentFactors, len(segs)),
			degraded: make(map[string]struct{}),
		})
	}

	if len(work) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, w := range work {
			for j, seg := range w.segments {
				w.factors[j].lengthM = seg.LengthM
				s.scheduleSegment(gctx, g, w, j, seg)
			}
		}
		_ = g.Wait()

		now := s.clock.Now()
		for _, w := range work {
			f := weightedMean(w.factors)
			composite := s.weights.Composite(f)
			rs := RouteScore{
				RouteKey:         w.key,
				AlternativeIndex: w.index,
				Factors:          f,
				Composite:        composite,
				Classification:   Classify(composite),
				Segments:         len(w.segments),
				LengthM:          totalLength(w.segments),
				Degradations:     w.degradations(),
				ComputedAt:       now,
				ExpiresAt:        now.Add(s.cfg.CacheTTL),
				Path:             w.path,
			}
			scores[w.index] = rs
			classifications.WithLabelValues(string(rs.Classification)).Inc()
			if w.cacheable() {
				s.cache.Put(rs)
			} else {
				s.logger.Warn("route scored with degraded factors",
					"route_key", rs.RouteKey, "degradations", rs.Degradations)
			}
			s.archive(ctx, req, w.polyline, rs)
		}
	}

	return s.finish(ctx, scores)
}

// scheduleSegment queues the four factor lookups for one segment. Each task
// writes only its own field, so no locking is needed on the factors slice.
func (s *Scorer) scheduleSegment(ctx context.Context, g *errgroup.Group, w *routeWork, j int, seg geo.Segment) {
	f := &w.factors[j].f
	mid := seg.Midpoint

	g.Go(func() error {
		f.Crowd = NeutralScore
		if s.crowd == nil {
			w.degrade(degradeCrowd, false)
			return nil
		}
		hits, err := s.crowd.RadiusQuery(ctx, mid, CrowdRadiusM)
		if err != nil {
			w.degrade(degradeCrowd, true)
			return nil
		}
		f.Crowd = crowdScore(len(hits))
		return nil
	})

	g.Go(func() error {
		incidents, tag, ok := s.crime.incidents(ctx, mid)
		if tag != "" {
			w.degrade(tag, s.crime.registry != nil)
		}
		if !ok {
			f.Crime = NeutralScore
			return nil
		}
		f.Crime = crimeScore(mid, incidents)
		return nil
	})

	g.Go(func() error {
		f.Commercial = NeutralScore
		if s.commercial == nil {
			w.degrade(degradeCommercial, false)
			return nil
		}
		var n int
		err := s.breaker.Execute(breakerPlaces, func() error {
			var err error
			n, err = s.commercial.OpenVenuesNear(ctx, mid, CommercialRadiusM)
			return err
		}, retry.IsPermanent)
		if err != nil {
			w.degrade(degradeCommercial, true)
			return nil
		}
		f.Commercial = commercialScore(n)
		return nil
	})

	g.Go(func() error {
		f.Lighting = NeutralScore
		if s.imagery == nil {
			w.degrade(degradeLighting, false)
			return nil
		}
		var b float64
		err := s.breaker.Execute(breakerImagery, func() error {
			var err error
			b, err = s.imagery.Brightness(ctx, mid, seg.BearingDeg)
			return err
		}, retry.IsPermanent)
		if err != nil {
			w.degrade(degradeLighting, true)
			return nil
		}
		f.Lighting = lightingScore(b)
		return nil
	})
}

// finish applies the safer-alternative rule to a scored set.
func (s *Scorer) finish(ctx context.Context, scores []RouteScore) *Result {
	res := &Result{Routes: scores}
	primary := scores[0]
	if primary.Classification != ClassHighRisk {
		return res
	}

	best := -1
	for i := 1; i < len(scores); i++ {
		if scores[i].Composite <= primary.Composite {
			continue
		}
		if best < 0 || scores[i].Composite > scores[best].Composite {
			best = i
		}
	}

	data := map[string]any{"composite_score": primary.Composite}
	if best >= 0 {
		alt := scores[best]
		res.SaferAlternative = &alt
		data["safer_alternative_index"] = alt.AlternativeIndex
	} else {
		res.NoSaferAlternative = true
		res.Message = MsgNoSaferAlternative
		data["safer_alternative_index"] = nil
	}

	if err := s.pub.Publish(ctx, notify.Event{Type: notify.TypeRouteHighRisk, Key: primary.RouteKey, Data: data}); err != nil {
		s.logger.Warn("publish high-risk route event failed", "route_key", primary.RouteKey, "error", err)
	}
	return res
}

func (s *Scorer) archive(ctx context.Context, req RouteRequest, polyline []geo.Point, rs RouteScore) {
	if s.sink == nil {
		return
	}
	rec := archive.RouteScore{
		RouteKey:         rs.RouteKey,
		AlternativeIndex: rs.AlternativeIndex,
		Origin:           req.Origin,
		Destination:      req.Destination,
		Crime:            rs.Factors.Crime,
		Crowd:            rs.Factors.Crowd,
		Commercial:       rs.Factors.Commercial,
		Lighting:         rs.Factors.Lighting,
		Composite:        rs.Composite,
		Classification:   string(rs.Classification),
		Polyline:         polyline,
		Degradations:     rs.Degradations,
		ComputedAt:       rs.ComputedAt,
		ExpiresAt:        rs.ExpiresAt,
	}
	if err := s.sink.SaveRouteScore(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("archive route score failed", "route_key", rs.RouteKey, "error", err)
	}
}

func totalLength(segs []geo.Segment) float64 {
	total := 0.0
	for _, s := range segs {
		total += s.LengthM
	}
	return total
}
