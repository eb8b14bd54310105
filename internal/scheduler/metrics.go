package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_cycles_total",
			Help: "Total number of evaluation cycles by outcome",
		},
		[]string{"outcome"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_cycle_duration_seconds",
			Help:    "Duration of evaluation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
	alertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_transitions_total",
			Help: "Total number of alert transitions committed",
		},
		[]string{"condition"},
	)
	priceMissingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "price_missing_total",
			Help: "Total number of coin ids left unresolved by a cycle",
		},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(alertTransitionsTotal)
	prometheus.MustRegister(priceMissingTotal)
}
