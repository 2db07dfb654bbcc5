package radar

import "github.com/prometheus/client_golang/prometheus"

var (
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "active_sessions",
		Help:      "SOS sessions currently active.",
	})

	activationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "activations_total",
		Help:      "SOS sessions opened.",
	})

	deactivationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "deactivations_total",
		Help:      "SOS sessions closed by reason.",
	}, []string{"reason"})

	geofenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "geofence_events_total",
		Help:      "Member entries and exits across all geofences.",
	}, []string{"direction"})

	refreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "refresh_duration_seconds",
		Help:      "Time spent on one radar refresh.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	refreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "refresh_errors_total",
		Help:      "Radar refreshes that could not read positions.",
	})

	memberReports = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "radar",
		Name:      "member_reports_total",
		Help:      "Members reported from the radar screen.",
	})
)

func init() {
	prometheus.MustRegister(activeSessions, activationsTotal, deactivationsTotal,
		geofenceEvents, refreshDuration, refreshErrors, memberReports)
}
