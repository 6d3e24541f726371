package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus instruments for the backend.
type Metrics struct {
	registry *prometheus.Registry

	EventsEmitted       *prometheus.CounterVec
	LLMRequests         *prometheus.CounterVec
	LLMRequestDuration  *prometheus.HistogramVec
	ToolCalls           *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	ActiveConversations prometheus.Gauge
	Evictions           prometheus.Counter
	StreamDuration      prometheus.Histogram
}

// NewMetrics registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frevagpt_events_emitted_total",
			Help: "Stream events emitted to clients, by variant.",
		}, []string{"variant"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frevagpt_llm_requests_total",
			Help: "Completion requests to the model proxy, by model and status.",
		}, []string{"model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frevagpt_llm_request_duration_seconds",
			Help:    "Duration of streamed completion requests.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frevagpt_tool_calls_total",
			Help: "Tool invocations, by server, tool, and status.",
		}, []string{"server", "tool", "status"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frevagpt_tool_call_duration_seconds",
			Help:    "Duration of tool invocations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"server", "tool"}),
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "frevagpt_active_conversations",
			Help: "Conversations currently registered in memory.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "frevagpt_conversation_evictions_total",
			Help: "Conversations evicted for idleness.",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "frevagpt_stream_duration_seconds",
			Help:    "Wall time of one streamed conversational turn.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
