package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	pingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "telemetry",
		Name:      "pings_total",
		Help:      "Position pings by result (accepted, rejected, error).",
	}, []string{"result"})

	queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nirbhaya",
		Subsystem: "telemetry",
		Name:      "radius_query_duration_seconds",
		Help:      "Radius query latency.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	liveRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya",
		Subsystem: "telemetry",
		Name:      "live_records",
		Help:      "Position records held after the last sweep.",
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "telemetry",
		Name:      "evictions_total",
		Help:      "Expired position records evicted by the sweeper.",
	})
)

func init() {
	prometheus.MustRegister(pingsTotal, queryDuration, liveRecords, evictionsTotal)
}
