package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Name:      "worker_runs_total",
		Help:      "Dispatcher invocations by trigger source and final status.",
	}, []string{"source", "status"})

	jobsLeasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Name:      "jobs_leased_total",
		Help:      "Jobs moved from pending to running.",
	})

	jobOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Name:      "job_outcomes_total",
		Help:      "Handler outcomes by task type.",
	}, []string{"task_type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobqueue",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"task_type"})
)
