package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pass metrics
	PassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "converge_passes_total",
			Help: "Total number of reconciliation passes",
		},
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "converge_pass_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resource metrics
	ResourceActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_resource_actions_total",
			Help: "Total number of resource actions by kind and action",
		},
		[]string{"kind", "action"},
	)

	ResourceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converge_resource_failures_total",
			Help: "Total number of failed resource operations by kind and error kind",
		},
		[]string{"kind", "error"},
	)

	SnapshotsRotatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "converge_snapshots_rotated_total",
			Help: "Total number of snapshots deleted by rotation policies",
		},
	)

	// API metrics
	APICallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "converge_api_call_duration_seconds",
			Help:    "Incus API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		PassesTotal,
		PassDuration,
		ResourceActionsTotal,
		ResourceFailuresTotal,
		SnapshotsRotatedTotal,
		APICallDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
