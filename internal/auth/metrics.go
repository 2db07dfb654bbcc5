package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	registrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "auth",
		Name:      "registrations_total",
		Help:      "Device registrations by result (ok, mismatch).",
	}, []string{"result"})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "auth",
		Name:      "rejections_total",
		Help:      "Requests rejected by authentication, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(registrationsTotal, rejectionsTotal)
}
