package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ReconciliationsTotal tracks reconciliation count and result per
	// ingrate instance.
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingrate_reconciliations_total",
			Help: "Total number of reconciliation cycles",
		},
		[]string{"namespace", "name", "result"},
	)

	// ReconciliationDuration tracks reconciliation latency.
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingrate_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace", "name"},
	)

	// ConfigMapRotationsTotal tracks how many times validateOrCreateConfigMap
	// was invoked (includes both reuse and create outcomes).
	ConfigMapRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingrate_configmap_rotations_total",
			Help: "Total number of configmap validate-or-create cycles",
		},
		[]string{"namespace", "name"},
	)

	// RenderFailuresTotal tracks template render failures by template kind.
	RenderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingrate_render_failures_total",
			Help: "Total number of template render failures",
		},
		[]string{"namespace", "name", "template"},
	)

	// StatusUpdatesTotal tracks load-balancer status updates pushed to
	// Ingresses.
	StatusUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingrate_status_updates_total",
			Help: "Total number of Ingress load-balancer status updates",
		},
		[]string{"namespace", "name"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		ReconciliationsTotal,
		ReconciliationDuration,
		ConfigMapRotationsTotal,
		RenderFailuresTotal,
		StatusUpdatesTotal,
	)
}

// StartReconciliationTimer returns a func that, when called, observes the
// elapsed time since StartReconciliationTimer was invoked into
// ReconciliationDuration.
func StartReconciliationTimer(namespace, name string) func() {
	start := time.Now()
	return func() {
		ReconciliationDuration.WithLabelValues(namespace, name).Observe(time.Since(start).Seconds())
	}
}
