package zones

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/telemetry"
)

var (
	publishedZones = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya",
		Subsystem: "zones",
		Name:      "published",
		Help:      "Zones in the most recent published set.",
	})

	aggregationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nirbhaya",
		Subsystem: "zones",
		Name:      "aggregation_duration_seconds",
		Help:      "Time spent building one zone set.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(publishedZones, aggregationDuration)
}

// SnapshotSource provides a point-in-time copy of live positions.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]telemetry.Record, error)
}

// Config tunes the aggregator.
type Config struct {
	CellSizeM  float64
	MinMembers int
	Interval   time.Duration
	TTL        time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		CellSizeM:  DefaultCellSizeM,
		MinMembers: MinMembers,
		Interval:   DefaultInterval,
		TTL:        DefaultTTL,
	}
}

// Aggregator rebuilds the zone set on a fixed cadence. It only ever reads a
// telemetry snapshot, so ingestion is never blocked by aggregation.
type Aggregator struct {
	source  SnapshotSource
	store   *Store
	pub     notify.Publisher
	clock   clock.Clock
	cfg     Config
	grid    geo.Grid
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewAggregator wires an aggregator. pub may be nil.
func NewAggregator(source SnapshotSource, store *Store, pub notify.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.CellSizeM <= 0 {
		cfg.CellSizeM = def.CellSizeM
	}
	if cfg.MinMembers <= 0 {
		cfg.MinMembers = def.MinMembers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Aggregator{
		source: source,
		store:  store,
		pub:    pub,
		clock:  clk,
		cfg:    cfg,
		grid:   geo.NewGrid(cfg.CellSizeM),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (a *Aggregator) Running() bool {
	return a.running.Load()
}

// Start runs the aggregation loop. Call in a goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	a.running.Store(true)
	defer a.running.Store(false)

	ticker := a.clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C():
			a.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (a *Aggregator) Stop() {
	select {
	case a.stop <- struct{}{}:
	default:
	}
}

func (a *Aggregator) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in zone aggregator", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := a.RunOnce(ctx); err != nil {
		a.logger.Warn("zone aggregation failed", "error", err)
	}
}

// RunOnce builds and publishes one zone set.
func (a *Aggregator) RunOnce(ctx context.Context) ([]Zone, error) {
	start := time.Now()
	records, err := a.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("zones: snapshot: %w", err)
	}

	now := a.clock.Now()
	zones := Build(a.grid, records, now, a.cfg.MinMembers, a.cfg.TTL)
	aggregationDuration.Observe(time.Since(start).Seconds())

	a.store.Replace(zones)
	publishedZones.Set(float64(len(zones)))

	if err := a.pub.Publish(ctx, notify.Event{
		Type: notify.TypeZonesPublished,
		At:   now,
		Data: zones,
	}); err != nil {
		a.logger.Warn("zone publish failed", "error", err)
	}
	a.logger.Debug("zones published", "zones", len(zones), "pings", len(records))
	return zones, nil
}
