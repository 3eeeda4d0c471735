// Package metrics defines the Prometheus instrumentation for the
// orchestration plane. Collectors are registered on the default registry at
// package init and exposed by the ops router on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks the number of agents with at least one live
	// control channel in the pool.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netpulse_connected_agents",
		Help: "Number of agents currently connected to the orchestrator.",
	})

	// QueueDepth tracks the per-priority depth of the message queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netpulse_queue_depth",
		Help: "Messages waiting in the dispatcher queue, by priority.",
	}, []string{"priority"})

	// TasksExecuting tracks the scheduler's executing-set size.
	TasksExecuting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netpulse_tasks_executing",
		Help: "Tasks currently dispatched and awaiting results.",
	})

	// TasksDispatched counts task assignments sent to agents.
	TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netpulse_tasks_dispatched_total",
		Help: "Total task assignments sent to agents.",
	})

	// TaskResults counts received task results by reported status.
	TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_task_results_total",
		Help: "Total task results received from agents, by status.",
	}, []string{"status"})

	// TaskTimeouts counts tasks reaped by the server-side timeout.
	TaskTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netpulse_task_timeouts_total",
		Help: "Total tasks that exceeded the server-side execution timeout.",
	})

	// MessagesExpired counts messages dropped because their expiry passed
	// at enqueue or dequeue time.
	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netpulse_messages_expired_total",
		Help: "Total messages dropped due to expiry.",
	})

	// HeartbeatTimeouts counts connections torn down for missed heartbeats.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netpulse_heartbeat_timeouts_total",
		Help: "Total connections closed after exceeding the missed-heartbeat tolerance.",
	})
)
