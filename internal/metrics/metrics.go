package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool-proxy service metrics for production monitoring.
var (
	// Proxy metrics
	ProxyRPCTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_rpc_total",
			Help: "Total number of JSON-RPC messages forwarded by the proxy",
		},
		[]string{"direction", "method"}, // direction: client_to_server/server_to_client
	)

	ProxyToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_tool_calls_total",
			Help: "Total number of tools/call invocations observed by the proxy",
		},
		[]string{"tool"},
	)

	ProxyToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolproxy_tool_call_duration_seconds",
			Help:    "Round-trip latency of a tools/call as observed by the proxy",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"tool"},
	)

	ProxyLostCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_lost_calls_total",
			Help: "Total number of in-flight calls evicted by a duplicate correlation id",
		},
		[]string{"run_id"},
	)

	ProxySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolproxy_proxy_sessions_active",
			Help: "Current number of proxy sessions with a live downstream process",
		},
	)

	// Chaos metrics
	ChaosDelayInjectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_chaos_delay_injected_total",
			Help: "Total number of tool calls delayed by the chaos engine",
		},
		[]string{"tool"},
	)

	ChaosErrorsInjectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_chaos_errors_injected_total",
			Help: "Total number of synthetic errors injected by the chaos engine",
		},
		[]string{"tool"},
	)

	ChaosCorruptionsInjectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_chaos_corruptions_injected_total",
			Help: "Total number of response-corruption events injected by the chaos engine",
		},
		[]string{"tool"},
	)

	// Stress metrics
	StressMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_stress_mutations_total",
			Help: "Total number of stress mutations probed, by outcome",
		},
		[]string{"tool", "kind", "outcome"},
	)

	StressSweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolproxy_stress_sweep_duration_seconds",
			Help:    "Duration of a complete stress sweep across all tools",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
		},
		[]string{"agent"},
	)

	StressScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolproxy_stress_score",
			Help: "Most recent stress score (0-100) computed for a run",
		},
		[]string{"run_id"},
	)

	// Journal metrics
	JournalEventsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_journal_events_written_total",
			Help: "Total number of events persisted to the journal",
		},
		[]string{"kind"},
	)

	JournalWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolproxy_journal_write_errors_total",
			Help: "Total number of journal write failures",
		},
	)

	// Fan-out metrics
	FanoutSubscribersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolproxy_fanout_subscribers_active",
			Help: "Current number of active fan-out subscribers, by topic kind",
		},
		[]string{"topic_kind"}, // topic_kind: run/agent/global
	)

	FanoutMessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_fanout_messages_published_total",
			Help: "Total number of events published to the fan-out bus",
		},
		[]string{"topic_kind"},
	)

	FanoutMessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_fanout_messages_dropped_total",
			Help: "Total number of events dropped due to a full subscriber queue",
		},
		[]string{"topic_kind"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolproxy_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolproxy_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
