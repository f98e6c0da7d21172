// Package metrics exposes the coordinator's operational counters and
// gauges for Prometheus scraping, grounded on the pack's promauto +
// package-level-vars convention for declaring metrics next to the
// subsystem they describe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsCreated counts every run added to the queue (including resume
	// runs enqueued by callbacks), by type.
	RunsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_runs_created_total",
			Help: "Total runs created, by run type",
		},
		[]string{"type"},
	)

	// RunsCompleted counts every run reaching a terminal status, by outcome.
	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_runs_completed_total",
			Help: "Total runs reaching a terminal status, by outcome",
		},
		[]string{"status"},
	)

	// RunClaimLatency observes the time between a run becoming pending and
	// being claimed by a runner.
	RunClaimLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_run_claim_latency_seconds",
			Help:    "Time between a run becoming pending and being claimed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QueueDepth tracks the number of runs not yet in a terminal status.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_queue_depth",
			Help: "Number of runs not yet in a terminal status",
		},
	)

	// RunnersOnline tracks the number of currently registered, non-stale runners.
	RunnersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_runners_online",
			Help: "Number of runners currently registered and online",
		},
	)

	// FanoutSubscribers tracks the number of active SSE/WebSocket subscribers.
	FanoutSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_fanout_subscribers",
			Help: "Number of active real-time fanout subscribers",
		},
	)

	// CallbackNotificationsDelivered counts callback frames successfully
	// delivered to a parent session as a resume run.
	CallbackNotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_callback_notifications_delivered_total",
			Help: "Total child-result callback frames delivered to a parent session",
		},
	)

	// CallbackNotificationsDiscarded counts callback frames dropped because
	// their parent session no longer exists or had already reached a
	// terminal status when the frame arrived.
	CallbackNotificationsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_callback_notifications_discarded_total",
			Help: "Total callback frames discarded because the parent session was gone",
		},
	)
)
