package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/nirbhaya/internal/clock"
)

// DefaultSweepInterval is how often expired records are evicted.
const DefaultSweepInterval = 15 * time.Second

// Sweeper periodically evicts expired records. Readers already ignore
// expired records, so a late or failed sweep only costs memory.
type Sweeper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		clock:    clk,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C():
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in telemetry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.SweepOnce(ctx)
}

// SweepOnce runs a single eviction pass.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Warn("telemetry sweep failed", "error", err, "evicted", n)
	}
	if n > 0 {
		evictionsTotal.Add(float64(n))
		s.logger.Debug("telemetry sweep", "evicted", n)
	}
	return n
}
