// Package observability carries the gateway's Prometheus metrics and the
// out-of-band alert webhook fired on admission rejections and spend
// degradation.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the query pipeline records into.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal      *prometheus.CounterVec // outcome: generated|cached|no_match|error
	AdmissionRejects  *prometheus.CounterVec // kind: banned|global_rate_limit|rate_limit|challenge|cost_throttle
	CacheHits         *prometheus.CounterVec // tier: intent|faq|exact|semantic
	CacheMisses       prometheus.Counter
	SpendRejects      *prometheus.CounterVec // window: daily|hourly
	RetrievalDuration prometheus.Histogram
	StreamDuration    prometheus.Histogram
	TokensTotal       *prometheus.CounterVec // direction: input|output
	SpendUSDTotal     prometheus.Counter
	ActiveStreams     prometheus.Gauge
	ClientDisconnects prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_queries_total",
			Help: "Queries processed, by outcome.",
		}, []string{"outcome"}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_rejects_total",
			Help: "Requests rejected by the admission gate, by kind.",
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Cache hits by tier.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Queries that fell through every cache tier.",
		}),
		SpendRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_spend_rejects_total",
			Help: "Generations rejected by the spend pre-flight, by window.",
		}, []string{"window"}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_retrieval_duration_seconds",
			Help:    "Hybrid retrieval latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_stream_duration_seconds",
			Help:    "End-to-end streaming generation duration.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_llm_tokens_total",
			Help: "LLM tokens accounted, by direction.",
		}, []string{"direction"}),
		SpendUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_llm_spend_usd_total",
			Help: "Cumulative LLM cost in USD.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "SSE streams currently open.",
		}),
		ClientDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_client_disconnects_total",
			Help: "Streams ended by client disconnect before completion.",
		}),
	}

	reg.MustRegister(
		m.QueriesTotal, m.AdmissionRejects, m.CacheHits, m.CacheMisses,
		m.SpendRejects, m.RetrievalDuration, m.StreamDuration,
		m.TokensTotal, m.SpendUSDTotal, m.ActiveStreams, m.ClientDisconnects,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
