package upstream

import "github.com/prometheus/client_golang/prometheus"

var callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nirbhaya",
	Subsystem: "upstream",
	Name:      "call_duration_seconds",
	Help:      "Outbound collaborator call latency by upstream and result.",
	Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3},
}, []string{"upstream", "result"})

func init() {
	prometheus.MustRegister(callDuration)
}
