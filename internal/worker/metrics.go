package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcome label values
const (
	outcomeCompleted    = "completed"
	outcomeRequeued     = "requeued"
	outcomeDeadLettered = "dead_lettered"
	outcomeLockLost     = "lock_lost"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "index_queue",
		Name:      "jobs_total",
		Help:      "Jobs processed by the worker loop, by job type and outcome.",
	}, []string{"job_type", "outcome"})

	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "index_queue",
		Name:      "reaped_total",
		Help:      "Stale job locks returned to the queue.",
	})

	cooldownSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "index_queue",
		Name:      "cooldown_skips_total",
		Help:      "Worker triggers rejected by the cooldown guard.",
	})
)
