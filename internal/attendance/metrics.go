package attendance

import "github.com/prometheus/client_golang/prometheus"

var (
	scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "Scan attempts by outcome.",
	}, []string{"outcome"})

	tokensRotated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_tokens_rotated_total",
		Help: "Session tokens refreshed by the rotation worker.",
	})

	anomaliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_device_anomalies_total",
		Help: "Device-change anomalies recorded.",
	})

	overridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_overrides_total",
		Help: "Manual overrides applied.",
	})
)

func init() {
	prometheus.MustRegister(scansTotal, tokensRotated, anomaliesTotal, overridesTotal)
}
