package routes

import "github.com/prometheus/client_golang/prometheus"

var (
	scoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nirbhaya",
		Subsystem: "routes",
		Name:      "score_duration_seconds",
		Help:      "Time to score one route request, all alternatives included.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5},
	})

	classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "routes",
		Name:      "classifications_total",
		Help:      "Scored routes by classification.",
	}, []string{"classification"})

	degradationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "routes",
		Name:      "degradations_total",
		Help:      "Factor lookups that fell back to cached or neutral values.",
	}, []string{"degradation"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "routes",
		Name:      "cache_lookups_total",
		Help:      "Route score cache lookups by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(scoreDuration, classifications, degradationsTotal, cacheLookups)
}
