package geo

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference of every encoded geometry (WGS84).
const SRID = 4326

// Segment is one leg between consecutive polyline vertices.
type Segment struct {
	Index      int     `json:"sequence_index"`
	Start      Point   `json:"-"`
	End        Point   `json:"-"`
	Midpoint   Point   `json:"midpoint"`
	BearingDeg float64 `json:"bearing"`
	LengthM    float64 `json:"length_m"`
}

// LineString converts pts into a go-geom line string (x = lon, y = lat).
func LineString(pts []Point) (*geom.LineString, error) {
	if len(pts) < 2 {
		return nil, fmt.Errorf("polyline needs at least 2 points, got %d", len(pts))
	}
	flat := make([]float64, 0, 2*len(pts))
	for i, p := range pts {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		flat = append(flat, p.Lon, p.Lat)
	}
	return geom.NewLineStringFlat(geom.XY, flat).SetSRID(SRID), nil
}

// Segments splits a polyline into ordered segments. Zero-length legs
// (repeated vertices) are skipped so that they carry no weight.
func Segments(ls *geom.LineString) []Segment {
	n := ls.NumCoords()
	segs := make([]Segment, 0, n-1)
	for i := 0; i+1 < n; i++ {
		a := coordPoint(ls.Coord(i))
		b := coordPoint(ls.Coord(i + 1))
		length := DistanceM(a, b)
		if length == 0 {
			continue
		}
		segs = append(segs, Segment{
			Index:      len(segs),
			Start:      a,
			End:        b,
			Midpoint:   Midpoint(a, b),
			BearingDeg: BearingDeg(a, b),
			LengthM:    length,
		})
	}
	return segs
}

// Points returns the vertices of ls.
func Points(ls *geom.LineString) []Point {
	out := make([]Point, ls.NumCoords())
	for i := range out {
		out[i] = coordPoint(ls.Coord(i))
	}
	return out
}

func coordPoint(c geom.Coord) Point { return Point{Lat: c.Y(), Lon: c.X()} }

// EncodePoint returns p as little-endian EWKB with SRID 4326.
func EncodePoint(p Point) ([]byte, error) {
	g := geom.NewPointFlat(geom.XY, []float64{p.Lon, p.Lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("geo: encode point: %w", err)
	}
	return data, nil
}

// DecodePoint parses an EWKB point.
func DecodePoint(data []byte) (Point, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return Point{}, fmt.Errorf("geo: decode point: %w", err)
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return Point{}, fmt.Errorf("geo: expected point, got %T", g)
	}
	return Point{Lat: pt.Y(), Lon: pt.X()}, nil
}

// EncodeLine returns ls as little-endian EWKB.
func EncodeLine(ls *geom.LineString) ([]byte, error) {
	data, err := ewkb.Marshal(ls, ewkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("geo: encode line: %w", err)
	}
	return data, nil
}

// EncodeBounds returns b as an EWKB polygon.
func EncodeBounds(b Bounds) ([]byte, error) {
	data, err := ewkb.Marshal(b.Polygon(), ewkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("geo: encode bounds: %w", err)
	}
	return data, nil
}
