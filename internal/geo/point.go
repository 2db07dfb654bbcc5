// Package geo holds the geometry shared by the telemetry store, the zone
// aggregator, the route scorer and the radar engine: points, distances,
// bearings, a deterministic metre-sized grid and a bucketed spatial index.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusM is the mean Earth radius used by every distance computation.
const EarthRadiusM = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate reports whether p is a usable coordinate. NaN, infinities and
// out-of-range values are rejected, never clamped.
func (p Point) Validate() error {
	switch {
	case math.IsNaN(p.Lat) || math.IsNaN(p.Lon):
		return fmt.Errorf("coordinate is NaN")
	case math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0):
		return fmt.Errorf("coordinate is infinite")
	case p.Lat < -90 || p.Lat > 90:
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	case p.Lon < -180 || p.Lon > 180:
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lon)
	}
	return nil
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(r float64) float64   { return r * 180 / math.Pi }

// DistanceM returns the great-circle (haversine) distance in metres.
func DistanceM(a, b Point) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BearingDeg returns the initial bearing from a to b in [0, 360).
func BearingDeg(a, b Point) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLon := rad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(deg(math.Atan2(y, x))+360, 360)
}

// Midpoint returns the great-circle midpoint of a and b.
func Midpoint(a, b Point) Point {
	lat1, lon1 := rad(a.Lat), rad(a.Lon)
	lat2 := rad(b.Lat)
	dLon := rad(b.Lon - a.Lon)
	bx := math.Cos(lat2) * math.Cos(dLon)
	by := math.Cos(lat2) * math.Sin(dLon)
	lat := math.Atan2(math.Sin(lat1)+math.Sin(lat2), math.Sqrt((math.Cos(lat1)+bx)*(math.Cos(lat1)+bx)+by*by))
	lon := lon1 + math.Atan2(by, math.Cos(lat1)+bx)
	return Point{Lat: deg(lat), Lon: normalizeLon(deg(lon))}
}

// Offset returns the point reached by travelling distM metres from p on the
// given initial bearing.
func Offset(p Point, distM, bearingDeg float64) Point {
	lat1, lon1 := rad(p.Lat), rad(p.Lon)
	brng := rad(bearingDeg)
	ang := distM / EarthRadiusM
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))
	return Point{Lat: deg(lat2), Lon: normalizeLon(deg(lon2))}
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
