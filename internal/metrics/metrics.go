// Package metrics declares the agent's Prometheus instrumentation. Counters
// and gauges are registered once and passed by reference into the
// components that need them, rather than looked up globally from business
// logic — the same discipline the teacher repo applies to its own
// logging/publisher plumbing (passed into constructors, not reached for
// globally).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the agent exposes. Construct one with
// NewRegistry and register it with a prometheus.Registerer (typically
// prometheus.DefaultRegisterer) at startup.
type Registry struct {
	PipelineReplayChunks     prometheus.Counter
	PipelineStateTransitions *prometheus.CounterVec
	PipelineEventsProcessed  prometheus.Counter
	PipelineCheckpointBlock  prometheus.Gauge

	SchedulerTracked           prometheus.Gauge
	SchedulerCommitsTotal      prometheus.Counter
	SchedulerCommitFailures    prometheus.Counter
	SchedulerSyncTickDuration  prometheus.Histogram

	HandlerInFlight       prometheus.Gauge
	HandlerRequestsTotal  *prometheus.CounterVec
	HandlerPriorityDelay  prometheus.Histogram

	SupervisorContainersRunning prometheus.Gauge
	SupervisorInvokeLatency     *prometheus.HistogramVec
	SupervisorInvokeErrors      *prometheus.CounterVec
}

// NewRegistry constructs all metrics under the "noosphere_agent" namespace.
func NewRegistry() *Registry {
	const ns = "noosphere_agent"

	r := &Registry{
		PipelineReplayChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "replay_chunks_total",
			Help: "Number of historical replay chunks processed.",
		}),
		PipelineStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "state_transitions_total",
			Help: "Connection state machine transitions, labeled by destination state.",
		}, []string{"to"}),
		PipelineEventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "events_processed_total",
			Help: "RequestStarted events normalized and delivered to the handler.",
		}),
		PipelineCheckpointBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "checkpoint_block",
			Help: "Last block number persisted to the checkpoint store.",
		}),

		SchedulerTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "tracked_subscriptions",
			Help: "Number of subscriptions currently tracked.",
		}),
		SchedulerCommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "commits_total",
			Help: "Successful prepare-tx commitments.",
		}),
		SchedulerCommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "commit_failures_total",
			Help: "Prepare-tx attempts that exhausted their retry budget.",
		}),
		SchedulerSyncTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "sync_tick_seconds",
			Help: "Duration of each sync-timer tick.",
		}),

		HandlerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "handler", Name: "in_flight_requests",
			Help: "Requests currently being handled.",
		}),
		HandlerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "handler", Name: "requests_total",
			Help: "Requests handled, labeled by outcome.",
		}, []string{"outcome"}),
		HandlerPriorityDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "handler", Name: "priority_delay_seconds",
			Help: "Deterministic priority back-off delay applied before submission.",
		}),

		SupervisorContainersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "supervisor", Name: "containers_running",
			Help: "Persistent containers currently running.",
		}),
		SupervisorInvokeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "supervisor", Name: "invoke_latency_seconds",
			Help: "HTTP invocation latency, labeled by container id.",
		}, []string{"container"}),
		SupervisorInvokeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "supervisor", Name: "invoke_errors_total",
			Help: "HTTP invocation errors, labeled by container id and kind.",
		}, []string{"container", "kind"}),
	}
	return r
}

// MustRegister registers every metric with reg, panicking on duplicate
// registration — the same fail-fast behavior the teacher uses for
// programmer errors discovered at startup (spec.md §7 "Programmer/config").
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.PipelineReplayChunks,
		r.PipelineStateTransitions,
		r.PipelineEventsProcessed,
		r.PipelineCheckpointBlock,
		r.SchedulerTracked,
		r.SchedulerCommitsTotal,
		r.SchedulerCommitFailures,
		r.SchedulerSyncTickDuration,
		r.HandlerInFlight,
		r.HandlerRequestsTotal,
		r.HandlerPriorityDelay,
		r.SupervisorContainersRunning,
		r.SupervisorInvokeLatency,
		r.SupervisorInvokeErrors,
	)
}
