package routes

import (
	"github.com/mbd888/nirbhaya/internal/geo"
)

// crowdScore maps a head count to [0,100]: 0 people score 0 and
// CrowdSaturation or more score 100.
func crowdScore(n int) float64 {
	return clamp(float64(n)/CrowdSaturation, 0, 1) * 100
}

func commercialScore(openVenues int) float64 {
	return clamp(float64(openVenues)/CommercialSaturation, 0, 1) * 100
}

func lightingScore(brightness float64) float64 {
	return clamp(brightness, 0, 100)
}

// crimeScore weights each incident within CrimeRadiusM of mid by
// 1/(1+d/crimeFalloffM), sums severity times weight, and inverts the
// normalized sum so that more nearby crime gives a lower score.
func crimeScore(mid geo.Point, incidents []CrimeIncident) float64 {
	risk := 0.0
	for _, inc := range incidents {
		d := geo.DistanceM(mid, inc.Location)
		if d > CrimeRadiusM {
			continue
		}
		risk += clamp(inc.Severity, 0, 10) / (1 + d/crimeFalloffM)
	}
	return 100 * (1 - clamp(risk/CrimeSaturation, 0, 1))
}

// segmentFactors are the raw per-segment scores before length weighting.
type segmentFactors struct {
	lengthM float64
	f       Factors
}

// weightedMean returns the length-weighted mean of the segment factors.
func weightedMean(segs []segmentFactors) Factors {
	var out Factors
	total := 0.0
	for _, s := range segs {
		total += s.lengthM
		out.Crime += s.f.Crime * s.lengthM
		out.Crowd += s.f.Crowd * s.lengthM
		out.Commercial += s.f.Commercial * s.lengthM
		out.Lighting += s.f.Lighting * s.lengthM
	}
	if total == 0 {
		return Factors{Crime: NeutralScore, Crowd: NeutralScore, Commercial: NeutralScore, Lighting: NeutralScore}
	}
	out.Crime /= total
	out.Crowd /= total
	out.Commercial /= total
	out.Lighting /= total
	return out
}
