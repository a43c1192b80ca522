package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcilePassesTotal counts reconciliation passes by outcome.
	ReconcilePassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grove_reconcile_passes_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})

	// ReconcileDuration observes how long a pass took.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grove_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: prometheus.DefBuckets,
	})

	// EngineRetriesTotal counts transient engine-call retries.
	EngineRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grove_engine_retries_total",
		Help: "Transient engine call retries",
	})

	// BackupsTotal counts finished backups by status.
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grove_backups_total",
		Help: "Finished backups by status",
	}, []string{"status"})
)
