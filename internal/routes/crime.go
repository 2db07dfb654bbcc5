package routes

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/nirbhaya/internal/circuitbreaker"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/retry"
)

const (
	breakerCrime      = "crime"
	degradeCrimeCache = "crime:cached"
	degradeCrimeNone  = "crime:neutral"
)

// crimeSource fetches crime incidents per ~1 km area cell. Responses are
// cached for ttl; a stale entry is still served when the registry fails.
type crimeSource struct {
	registry CrimeRegistry
	breaker  *circuitbreaker.Breaker
	policy   retry.Policy
	cache    *lru[[]CrimeIncident]
	grid     geo.Grid
	ttl      time.Duration
	category string
	lookback time.Duration
	clock    clock.Clock
	// timeout bounds a shared fetch, which outlives the caller that started it.
	timeout time.Duration
	group   singleflight.Group
}

// areaRadius covers every point within CrimeRadiusM of anywhere in a cell.
func (s *crimeSource) areaRadius() float64 {
	return CrimeRadiusM + s.grid.SizeM()*math.Sqrt2/2
}

// incidents returns incidents near mid and a degradation tag if they did not
// come from a fresh lookup. ok is false when nothing usable was found.
func (s *crimeSource) incidents(ctx context.Context, mid geo.Point) (out []CrimeIncident, degradation string, ok bool) {
	cell := s.grid.CellOf(mid)
	key := s.grid.ID(cell)
	now := s.clock.Now()

	cached, storedAt, found := s.cache.get(key)
	if found && now.Sub(storedAt) < s.ttl {
		return cached, "", true
	}

	if s.registry != nil {
		ch := s.group.DoChan(key, func() (any, error) {
			// Every caller on this cell waits on the same fetch, so it runs
			// detached from whichever caller happened to start it.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			fresh, err := s.fetch(fctx, s.grid.Center(cell))
			if err != nil {
				return nil, err
			}
			s.cache.put(key, fresh, s.clock.Now())
			return fresh, nil
		})
		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.([]CrimeIncident), "", true
			}
		case <-ctx.Done():
		}
	}

	if found {
		return cached, degradeCrimeCache, true
	}
	return nil, degradeCrimeNone, false
}

func (s *crimeSource) fetch(ctx context.Context, center geo.Point) ([]CrimeIncident, error) {
	q := CrimeQuery{Center: center, RadiusM: s.areaRadius(), Category: s.category}
	if s.lookback > 0 {
		q.Since = s.clock.Now().Add(-s.lookback)
	}

	var out []CrimeIncident
	err := retry.Do(ctx, s.policy, func(int) error {
		err := s.breaker.Execute(breakerCrime, func() error {
			res, err := s.registry.IncidentsNear(ctx, q)
			if err != nil {
				return err
			}
			out = res
			return nil
		}, retry.IsPermanent)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	return out, err
}
