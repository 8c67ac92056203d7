package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchq_jobs_dispatched_total",
		Help: "Jobs successfully handed to the transport.",
	})
	jobsDispatchFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchq_jobs_dispatch_failed_total",
		Help: "Dispatch calls that failed before a request was issued.",
	})
	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchq_jobs_completed_total",
		Help: "Jobs reconciled to complete.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchq_jobs_failed_total",
		Help: "Jobs reconciled to failed.",
	})
	jobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchq_jobs_retried_total",
		Help: "Failed jobs re-queued by the retry sweep.",
	})
	reconcilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchq_reconcile_passes_total",
		Help: "Completed reconciliation passes.",
	})
)
