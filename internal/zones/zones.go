// Package zones turns the live telemetry snapshot into privacy-safe crowd
// density zones. Pings are bucketed into a fixed metre grid; any cell with
// too few members is folded into its nearest neighbour so that no published
// zone can single out a handful of people.
package zones

import (
	"sort"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/telemetry"
)

const (
	// DefaultCellSizeM is the grid cell edge.
	DefaultCellSizeM = 100.0
	// MinMembers is the smallest member count a published zone may have.
	MinMembers = 5
	// DefaultInterval is the aggregation period.
	DefaultInterval = 10 * time.Second
	// DefaultTTL is how long a published zone stays readable.
	DefaultTTL = 120 * time.Second
)

// Zone is one published density zone. It carries counts and bounds only.
type Zone struct {
	ZoneID      string     `json:"zone_id"`
	MemberCount int        `json:"member_count"`
	Bounds      geo.Bounds `json:"bounds"`
	LastUpdated time.Time  `json:"last_updated"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// group is a working cluster during aggregation.
type group struct {
	id     string
	count  int
	bounds geo.Bounds
	// Member-weighted centre, used for nearest-neighbour decisions.
	latSum float64
	lonSum float64
}

func (g *group) centre() geo.Point {
	return geo.Point{Lat: g.latSum / float64(g.count), Lon: g.lonSum / float64(g.count)}
}

func (g *group) absorb(o *group) {
	g.count += o.count
	g.bounds = g.bounds.Union(o.bounds)
	g.latSum += o.latSum
	g.lonSum += o.lonSum
}

// Build aggregates records into zones. It is a pure function of its input:
// identical records produce identical zones.
//
// Cells with fewer than minMembers members are merged, smallest first (ties
// by zone id), into the nearest other group by centre distance (ties by
// zone id). The absorbing group keeps its id. Merging repeats until every
// group meets the minimum or a single group remains; a lone group still
// under the minimum is not published.
func Build(grid geo.Grid, records []telemetry.Record, now time.Time, minMembers int, ttl time.Duration) []Zone {
	if len(records) == 0 {
		return nil
	}

	byCell := make(map[geo.Cell]*group)
	for _, r := range records {
		c := grid.CellOf(r.Location)
		g, ok := byCell[c]
		if !ok {
			g = &group{id: grid.ID(c), bounds: grid.Bounds(c)}
			byCell[c] = g
		}
		centre := grid.Center(c)
		g.count++
		g.latSum += centre.Lat
		g.lonSum += centre.Lon
	}

	groups := make([]*group, 0, len(byCell))
	for _, g := range byCell {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })

	for len(groups) > 1 {
		small := -1
		for i, g := range groups {
			if g.count >= minMembers {
				continue
			}
			if small < 0 || g.count < groups[small].count {
				small = i
			}
		}
		if small < 0 {
			break
		}

		src := groups[small]
		srcCentre := src.centre()
		target := -1
		best := 0.0
		for i, g := range groups {
			if i == small {
				continue
			}
			d := geo.DistanceM(srcCentre, g.centre())
			if target < 0 || d < best {
				target, best = i, d
			}
		}
		groups[target].absorb(src)
		groups = append(groups[:small], groups[small+1:]...)
	}

	zones := make([]Zone, 0, len(groups))
	for _, g := range groups {
		if g.count < minMembers {
			continue
		}
		zones = append(zones, Zone{
			ZoneID:      g.id,
			MemberCount: g.count,
			Bounds:      g.bounds,
			LastUpdated: now,
			ExpiresAt:   now.Add(ttl),
		})
	}
	return zones
}
