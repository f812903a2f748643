package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_reconcile_passes_total",
		Help: "Completed reconciliation passes.",
	})
	metricPassFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_reconcile_pass_failures_total",
		Help: "Reconciliation passes aborted before the sweep.",
	})
	metricWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_reconcile_writes_total",
		Help: "Store writes performed by reconciliation.",
	})
	metricSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_reconcile_suppressed_writes_total",
		Help: "Writes skipped because the cached entry was identical.",
	})
	metricSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_reconcile_swept_subtrees_total",
		Help: "Stale subtrees removed by the sweep phase.",
	})
)
