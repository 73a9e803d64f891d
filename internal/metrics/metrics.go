// Package metrics defines the gateway's fixed-name metric handles.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every handle both gateways record against. Metric names
// are part of the observability contract and must not change.
type Metrics struct {
	// ActiveHTTPCalls tracks in-flight outbound callouts.
	ActiveHTTPCalls prometheus.Gauge
	// RatelimitedRq counts requests rejected by the rate-limit engine.
	RatelimitedRq prometheus.Counter

	// TimeToFirstToken observes milliseconds from request start to the first
	// streamed token.
	TimeToFirstToken prometheus.Histogram
	// TimePerOutputToken observes milliseconds per token between streamed
	// chunks.
	TimePerOutputToken prometheus.Histogram
	// TokensPerSecond is registered for surface stability; nothing records
	// against it today.
	TokensPerSecond prometheus.Histogram
	// RequestLatency observes total request latency in milliseconds.
	RequestLatency prometheus.Histogram
	// OutputSequenceLength observes response token counts.
	OutputSequenceLength prometheus.Histogram
	// InputSequenceLength observes request token counts.
	InputSequenceLength prometheus.Histogram
}

// New registers the metric set against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := prometheus.ExponentialBuckets(1, 2, 16)       // 1ms .. ~32s
	tokenBuckets := prometheus.ExponentialBuckets(16, 2, 12)        // 16 .. 32k tokens
	perTokenBuckets := prometheus.ExponentialBuckets(0.5, 2, 12)    // 0.5ms .. ~1s

	return &Metrics{
		ActiveHTTPCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_http_calls",
			Help: "Number of in-flight outbound HTTP calls",
		}),
		RatelimitedRq: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratelimited_rq",
			Help: "Total number of rate limited requests",
		}),
		TimeToFirstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "time_to_first_token",
			Help:    "Time to first streamed token in milliseconds",
			Buckets: latencyBuckets,
		}),
		TimePerOutputToken: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "time_per_output_token",
			Help:    "Time per output token in milliseconds",
			Buckets: perTokenBuckets,
		}),
		TokensPerSecond: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokens_per_second",
			Help:    "Streaming throughput in tokens per second",
			Buckets: tokenBuckets,
		}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "request_latency",
			Help:    "Total request latency in milliseconds",
			Buckets: latencyBuckets,
		}),
		OutputSequenceLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "output_sequence_length",
			Help:    "Response sequence length in tokens",
			Buckets: tokenBuckets,
		}),
		InputSequenceLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "input_sequence_length",
			Help:    "Request sequence length in tokens",
			Buckets: tokenBuckets,
		}),
	}
}

// RecordLatency observes a duration in milliseconds on the given histogram.
func RecordLatency(h prometheus.Histogram, d time.Duration) {
	h.Observe(float64(d.Milliseconds()))
}
