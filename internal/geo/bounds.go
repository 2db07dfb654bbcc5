package geo

import (
	"math"

	"github.com/twpayne/go-geom"
)

// Bounds is an axis-aligned lat/lon rectangle.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Union returns the smallest rectangle covering both b and o.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		MinLat: math.Min(b.MinLat, o.MinLat),
		MinLon: math.Min(b.MinLon, o.MinLon),
		MaxLat: math.Max(b.MaxLat, o.MaxLat),
		MaxLon: math.Max(b.MaxLon, o.MaxLon),
	}
}

// Contains reports whether p lies inside b, edges included.
func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Covers reports whether o lies entirely inside b.
func (b Bounds) Covers(o Bounds) bool {
	return o.MinLat >= b.MinLat && o.MaxLat <= b.MaxLat && o.MinLon >= b.MinLon && o.MaxLon <= b.MaxLon
}

// Intersects reports whether b and o overlap.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat && b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon
}

// Center returns the rectangle centre.
func (b Bounds) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

// Polygon returns b as a closed go-geom polygon (x = lon, y = lat) tagged
// with SRID 4326.
func (b Bounds) Polygon() *geom.Polygon {
	ring := []float64{
		b.MinLon, b.MinLat,
		b.MaxLon, b.MinLat,
		b.MaxLon, b.MaxLat,
		b.MinLon, b.MaxLat,
		b.MinLon, b.MinLat,
	}
	return geom.NewPolygonFlat(geom.XY, ring, []int{len(ring)}).SetSRID(SRID)
}

// BoundsOf computes the bounding rectangle of pts using go-geom.
func BoundsOf(pts []Point) Bounds {
	if len(pts) == 0 {
		return Bounds{}
	}
	gb := geom.NewBounds(geom.XY)
	for _, p := range pts {
		gb.Extend(geom.NewPointFlat(geom.XY, []float64{p.Lon, p.Lat}))
	}
	return Bounds{MinLat: gb.Min(1), MinLon: gb.Min(0), MaxLat: gb.Max(1), MaxLon: gb.Max(0)}
}
