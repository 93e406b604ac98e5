package stage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mSyncCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_sync_cycles_total",
		Help: "The total number of sync! invocations performed by the stage.",
	})

	mSyncAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_sync_acks_total",
		Help: "The total number of meta-pubed acknowledgements received.",
	})

	mSyncAckTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_sync_ack_timeouts_total",
		Help: "The total number of sync! calls that logged a warning after not receiving an ack within the timeout.",
	})

	mAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_aborts_total",
		Help: "The total number of staged-transaction sets invalidated by incoming remote history.",
	})

	mConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_conflicts_total",
		Help: "The total number of times a branch was observed with multiple heads.",
	})

	mSyncInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stage_sync_in_flight",
		Help: "The number of sync! calls currently awaiting a meta-pubed ack.",
	})
)
