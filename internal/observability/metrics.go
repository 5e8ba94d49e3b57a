package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - HTTP request flow through the gateway
//   - LLM request performance by provider and model tier
//   - Tool invocation patterns and latencies
//   - Provider refresh cycles and push notification delivery
type Metrics struct {
	// HTTPRequestCounter counts gateway requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures gateway request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolInvocationCounter counts tool invocations.
	// Labels: module, tool, status (success|error)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool execution time in seconds.
	// Labels: module, tool
	ToolInvocationDuration *prometheus.HistogramVec

	// RefreshCounter counts provider background refreshes.
	// Labels: module, status (success|error)
	RefreshCounter *prometheus.CounterVec

	// PushCounter counts FCM push attempts.
	// Labels: status (success|error|invalid_token)
	PushCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking live login sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// private registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tom_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tom_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tom_llm_requests_total",
				Help: "Total number of LLM requests",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tom_llm_request_duration_seconds",
				Help:    "LLM API call latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tom_tool_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"module", "tool", "status"},
		),
		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tom_tool_invocation_duration_seconds",
				Help:    "Tool execution latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"module", "tool"},
		),
		RefreshCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tom_provider_refreshes_total",
				Help: "Total number of provider background refresh runs",
			},
			[]string{"module", "status"},
		),
		PushCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tom_push_sends_total",
				Help: "Total number of FCM push delivery attempts",
			},
			[]string{"status"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tom_active_sessions",
				Help: "Number of live login sessions",
			},
		),
	}
}
