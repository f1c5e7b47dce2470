package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus instruments.
type Metrics struct {
	Processed       *prometheus.CounterVec
	Attempts        prometheus.Histogram
	BatchSize       prometheus.Gauge
	RateDeferrals   *prometheus.CounterVec
	ProviderLatency prometheus.Histogram
}

// NewMetrics registers the worker metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on a custom registerer. A nil registerer yields
// unregistered instruments, which tests use freely.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acp_outbox_processed_total",
				Help: "Outbox records processed by terminal outcome",
			},
			[]string{"outcome"}, // success, conflict, dlq, policy_blocked, deferred
		),
		Attempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acp_outbox_attempts",
				Help:    "Provider attempts consumed per terminal record",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
		BatchSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "acp_outbox_batch_size",
				Help: "Records returned by the most recent poll",
			},
		),
		RateDeferrals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acp_outbox_rate_deferrals_total",
				Help: "Records deferred because a rate bucket was saturated",
			},
			[]string{"bucket"},
		),
		ProviderLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acp_provider_latency_seconds",
				Help:    "Wall time of provider execution including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordOutcome counts a terminal outcome and its attempt cost.
func (m *Metrics) RecordOutcome(outcome string, attempts int) {
	m.Processed.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.Attempts.Observe(float64(attempts))
	}
}

// RecordDeferral counts a rate-bucket deferral.
func (m *Metrics) RecordDeferral(bucket string) {
	m.Processed.WithLabelValues("deferred").Inc()
	m.RateDeferrals.WithLabelValues(bucket).Inc()
}

// ObserveBatch records the size of a poll batch.
func (m *Metrics) ObserveBatch(n int) {
	m.BatchSize.Set(float64(n))
}

// ObserveProviderLatency records one execution's wall time in seconds.
func (m *Metrics) ObserveProviderLatency(seconds float64) {
	m.ProviderLatency.Observe(seconds)
}
