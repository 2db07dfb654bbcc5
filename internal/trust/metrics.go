package trust

import "github.com/prometheus/client_golang/prometheus"

var (
	adjustmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "trust",
		Name:      "adjustments_total",
		Help:      "Committed trust adjustments by event type and source.",
	}, []string{"event_type", "source"})

	conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "trust",
		Name:      "conflict_retries_total",
		Help:      "Adjustment attempts retried after a version conflict.",
	})

	flaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "trust",
		Name:      "flagged_total",
		Help:      "Entities flagged for review after reaching a score of 0.",
	})

	incidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "trust",
		Name:      "incidents_total",
		Help:      "Incident reports filed by type.",
	}, []string{"incident_type"})
)

func init() {
	prometheus.MustRegister(adjustmentsTotal, conflictsTotal, flaggedTotal, incidentsTotal)
}
