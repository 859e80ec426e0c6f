// Package metrics exposes Prometheus instrumentation for the pool. The
// collectors register on the default registry; embedders decide whether and
// where to expose them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcppool"

var (
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Connections currently tracked by the pool, by scope.",
	}, []string{"scope"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched through the pool, by server and outcome.",
	}, []string{"server", "status"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Latency of tools/call requests, by server.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"server"})

	ThreadsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threads_reaped_total",
		Help:      "Thread scopes reclaimed after exceeding the idle limit.",
	})

	UsersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "users_reaped_total",
		Help:      "User scopes reclaimed after exceeding the idle limit.",
	})

	AuthFlows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_flows_total",
		Help:      "Authorization flows triggered by upstream servers, by result.",
	}, []string{"server", "result"})

	SessionRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_recoveries_total",
		Help:      "Transparent session recoveries after terminated or expired sessions.",
	})
)

// ObserveToolCall records one dispatched tool call.
func ObserveToolCall(server string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ToolCalls.WithLabelValues(server, status).Inc()
	ToolCallDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())
}
