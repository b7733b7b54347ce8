package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSink records per-op-stream latency outcomes. It may be a no-op; the
// statistics sink's own storage/export is out of scope (spec §1) — this is
// only the narrow recording interface PCC calls into.
type StatsSink interface {
	RecordSuccess(stream string, latency time.Duration)
	RecordFailure(stream string, latency time.Duration)
}

// NoopStats is a StatsSink that discards everything.
type NoopStats struct{}

func (NoopStats) RecordSuccess(string, time.Duration) {}
func (NoopStats) RecordFailure(string, time.Duration) {}

// PrometheusStats is a concrete StatsSink backed by
// github.com/prometheus/client_golang histograms, labeled by op stream name
// and outcome. Register it against a prometheus.Registerer of the caller's
// choosing; NewPrometheusStats does not touch the global default registry.
type PrometheusStats struct {
	latency *prometheus.HistogramVec
}

// NewPrometheusStats constructs a PrometheusStats and registers its
// collector with reg.
func NewPrometheusStats(reg prometheus.Registerer) (*PrometheusStats, error) {
	var latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bookkeeper_client",
		Subsystem: "conn",
		Name:      "op_latency_seconds",
		Help:      "Latency of client operations against a single connection, by stream and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stream", "outcome"})

	if err := reg.Register(latency); err != nil {
		return nil, err
	}
	return &PrometheusStats{latency: latency}, nil
}

func (s *PrometheusStats) RecordSuccess(stream string, latency time.Duration) {
	s.latency.WithLabelValues(stream, "success").Observe(latency.Seconds())
}

func (s *PrometheusStats) RecordFailure(stream string, latency time.Duration) {
	s.latency.WithLabelValues(stream, "failure").Observe(latency.Seconds())
}
