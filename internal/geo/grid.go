package geo

import (
	"fmt"
	"math"
)

// metresPerDegreeLat is the length of one degree of latitude on the same
// sphere DistanceM uses, so grid coverage and distances agree.
const metresPerDegreeLat = EarthRadiusM * math.Pi / 180

// minCos keeps longitude steps finite near the poles.
const minCos = 0.01

// Cell identifies one grid cell. Row indexes latitude bands, Col indexes
// longitude steps within the band.
type Cell struct {
	Row int64
	Col int64
}

// Grid maps coordinates onto roughly square cells of a fixed size in metres.
// Latitude bands have a constant angular height; each band picks its own
// longitude step from the cosine of its centre latitude, so a cell id is a
// pure function of (lat, lon) and the cell size. Columns wrap at the
// antimeridian.
type Grid struct {
	sizeM   float64
	latStep float64
}

// NewGrid creates a grid with cells of about sizeM metres per side.
func NewGrid(sizeM float64) Grid {
	if sizeM <= 0 {
		panic("geo: grid cell size must be positive")
	}
	return Grid{sizeM: sizeM, latStep: sizeM / metresPerDegreeLat}
}

// SizeM returns the nominal cell edge length.
func (g Grid) SizeM() float64 { return g.sizeM }

func (g Grid) lonStep(row int64) float64 {
	centre := (float64(row)+0.5)*g.latStep - 90
	c := math.Cos(rad(centre))
	if c < minCos {
		c = minCos
	}
	return g.sizeM / (metresPerDegreeLat * c)
}

// rows is the number of latitude bands.
func (g Grid) rows() int64 { return int64(math.Ceil(180 / g.latStep)) }

// cols is the number of columns in row. The last one may be narrower than
// the step when 360 is not a multiple of it.
func (g Grid) cols(row int64) int64 { return int64(math.Ceil(360 / g.lonStep(row))) }

func (g Grid) rowOf(lat float64) int64 {
	row := int64(math.Floor((lat + 90) / g.latStep))
	return min(max(row, 0), g.rows()-1)
}

func (g Grid) colOf(row int64, lon float64) int64 {
	col := int64(math.Floor((lon + 180) / g.lonStep(row)))
	return min(max(col, 0), g.cols(row)-1)
}

// CellOf returns the cell containing p. Longitude 180 falls in the same
// column as -180.
func (g Grid) CellOf(p Point) Cell {
	lon := normalizeLon(p.Lon)
	if lon >= 180 {
		lon -= 360
	}
	row := g.rowOf(p.Lat)
	return Cell{Row: row, Col: g.colOf(row, lon)}
}

// Bounds returns the rectangle covered by c.
func (g Grid) Bounds(c Cell) Bounds {
	step := g.lonStep(c.Row)
	minLat := float64(c.Row)*g.latStep - 90
	minLon := float64(c.Col)*step - 180
	return Bounds{
		MinLat: minLat,
		MinLon: minLon,
		MaxLat: minLat + g.latStep,
		MaxLon: math.Min(minLon+step, 180),
	}
}

// Center returns the centre point of c.
func (g Grid) Center(c Cell) Point { return g.Bounds(c).Center() }

// ID renders a stable identifier for c, e.g. "g100:1234:5678".
func (g Grid) ID(c Cell) string {
	return fmt.Sprintf("g%d:%d:%d", int64(g.sizeM), c.Row, c.Col)
}

// Covering returns every cell that may hold a point within radiusM of
// center. The result is a superset without duplicates; callers filter by
// exact distance. Circles crossing the antimeridian pick up columns on both
// sides of it, and circles containing a pole cover whole bands.
func (g Grid) Covering(center Point, radiusM float64) []Cell {
	if radiusM < 0 {
		radiusM = 0
	}
	ang := radiusM / EarthRadiusM
	dLat := deg(ang)
	loRow := g.rowOf(math.Max(center.Lat-dLat, -90))
	hiRow := g.rowOf(math.Min(center.Lat+dLat, 90))

	// Widest longitude extent of a spherical cap; the whole band when the
	// cap reaches a pole.
	full := math.Abs(center.Lat)+dLat >= 90
	var dLon float64
	if !full {
		sin := math.Sin(ang) / math.Cos(rad(center.Lat))
		if sin >= 1 {
			full = true
		} else {
			dLon = deg(math.Asin(sin)) * (1 + 1e-9)
			full = dLon >= 180
		}
	}

	var spans [][2]float64
	if !full {
		lon := normalizeLon(center.Lon)
		lo, hi := lon-dLon, lon+dLon
		switch {
		case lo < -180:
			spans = [][2]float64{{lo + 360, 180}, {-180, hi}}
		case hi >= 180:
			spans = [][2]float64{{lo, 180}, {-180, hi - 360}}
		default:
			spans = [][2]float64{{lo, hi}}
		}
	}

	var cells []Cell
	for row := loRow; row <= hiRow; row++ {
		if full {
			for col := range g.cols(row) {
				cells = append(cells, Cell{Row: row, Col: col})
			}
			continue
		}
		seen := make(map[int64]bool, 4)
		for _, sp := range spans {
			for col := g.colOf(row, sp[0]); col <= g.colOf(row, sp[1]); col++ {
				if !seen[col] {
					seen[col] = true
					cells = append(cells, Cell{Row: row, Col: col})
				}
			}
		}
	}
	return cells
}
