// Package routes scores candidate walking routes for personal safety.
//
// A route is split into segments. Each segment gets four factor scores in
// [0,100] (crowd, crime, commercial activity and lighting) and the route
// takes their length-weighted means. The composite is a fixed weighted sum
// of the route factors.
package routes

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
)

// Classification buckets a composite score.
type Classification string

const (
	ClassSafe     Classification = "SAFE"
	ClassMedium   Classification = "MEDIUM"
	ClassHighRisk Classification = "HIGH_RISK"
)

const (
	NeutralScore = 50.0

	CrowdRadiusM         = 50.0
	CrowdSaturation      = 20
	CommercialRadiusM    = 200.0
	CommercialSaturation = 10
	CrimeRadiusM         = 1000.0
	CrimeAreaCellM       = 1000.0

	// CrimeSaturation is the weighted severity at which the crime factor
	// bottoms out at 0.
	CrimeSaturation = 50.0
	// crimeFalloffM is the distance at which an incident counts half.
	crimeFalloffM = 100.0

	DefaultDeadline     = 3 * time.Second
	DefaultCacheTTL     = time.Hour
	DefaultCrimeTTL     = 24 * time.Hour
	DefaultCrimeRetries = 3
	DefaultCacheSize    = 10000
)

// Weights are the factor weights of the composite score.
type Weights struct {
	Crowd      float64
	Crime      float64
	Commercial float64
	Lighting   float64
}

// DefaultWeights is the only weight set in use; requests cannot override it.
var DefaultWeights = Weights{Crowd: 0.35, Crime: 0.30, Commercial: 0.25, Lighting: 0.10}

// Composite returns the weighted sum of f.
func (w Weights) Composite(f Factors) float64 {
	return w.Crowd*f.Crowd + w.Crime*f.Crime + w.Commercial*f.Commercial + w.Lighting*f.Lighting
}

// Factors are the four route-level factor scores, each in [0,100].
type Factors struct {
	Crime      float64 `json:"crime"`
	Crowd      float64 `json:"crowd"`
	Commercial float64 `json:"commercial"`
	Lighting   float64 `json:"lighting"`
}

// Classify maps a composite score to its classification. The bounds of the
// medium band are inclusive.
func Classify(composite float64) Classification {
	switch {
	case composite > 70:
		return ClassSafe
	case composite >= 40:
		return ClassMedium
	default:
		return ClassHighRisk
	}
}

// RouteScore is the scored result for one candidate route.
type RouteScore struct {
	RouteKey         string         `json:"route_key"`
	AlternativeIndex int            `json:"alternative_index"`
	Factors          Factors        `json:"factor_scores"`
	Composite        float64        `json:"composite_score"`
	Classification   Classification `json:"classification"`
	Segments         int            `json:"segments"`
	LengthM          float64        `json:"length_m"`
	Degradations     []string       `json:"degradations,omitempty"`
	Cached           bool           `json:"cached"`
	ComputedAt       time.Time      `json:"computed_at"`
	ExpiresAt        time.Time      `json:"expires_at"`

	// Path fingerprints the polyline the score was computed from.
	Path string `json:"-"`
}

// RouteRequest carries the primary route (index 0) and its alternatives.
type RouteRequest struct {
	Origin      geo.Point
	Destination geo.Point
	Polylines   [][]geo.Point
}

// Result is the outcome of scoring a request.
type Result struct {
	Routes []RouteScore `json:"routes"`
	// SaferAlternative is set when the primary is HIGH_RISK and an
	// alternative scored strictly higher.
	SaferAlternative *RouteScore `json:"safer_alternative,omitempty"`
	// NoSaferAlternative is set when the primary is HIGH_RISK and nothing
	// beat it.
	NoSaferAlternative bool   `json:"no_safer_alternative,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Primary returns the score of alternative 0.
func (r *Result) Primary() RouteScore { return r.Routes[0] }

// MsgNoSaferAlternative is reported instead of fabricating an alternative.
const MsgNoSaferAlternative = "no safer alternative is currently available"

// RouteKey is the cache key of one alternative between origin and
// destination.
func RouteKey(origin, destination geo.Point, index int) string {
	h := sha256.New()
	for _, v := range []float64{origin.Lat, origin.Lon, destination.Lat, destination.Lon} {
		h.Write(strconv.AppendFloat(nil, v, 'f', 6, 64))
		h.Write([]byte{'|'})
	}
	h.Write(strconv.AppendInt(nil, int64(index), 10))
	return hex.EncodeToString(h.Sum(nil))
}

// PathKey fingerprints a polyline at the same precision as RouteKey. Two
// requests with the same endpoints but different geometry share a RouteKey
// and differ here.
func PathKey(polyline []geo.Point) string {
	h := sha256.New()
	for _, p := range polyline {
		h.Write(strconv.AppendFloat(nil, p.Lat, 'f', 6, 64))
		h.Write([]byte{','})
		h.Write(strconv.AppendFloat(nil, p.Lon, 'f', 6, 64))
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
