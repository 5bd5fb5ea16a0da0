package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstate_updates_total",
		Help: "Assessment updates processed, labelled by outcome status.",
	}, []string{"status"})

	snapshotRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketstate_snapshot_rebuilds_total",
		Help: "Snapshot recomputations triggered by ledger mutations.",
	})
)
