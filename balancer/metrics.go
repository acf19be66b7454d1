package balancer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RetryCount counts invoice mint attempts that failed and were
	// retried under the backoff schedule.
	RetryCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "switchgear",
		Subsystem: "balancer",
		Name:      "retry_count",
	})

	// ReconcileCount counts fleet reconciles against the discovery
	// store, including those the store answered with a matching ETag.
	ReconcileCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "switchgear",
		Subsystem: "balancer",
		Name:      "reconcile_count",
	})
)
