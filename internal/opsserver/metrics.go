package opsserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters/gauges served at /metrics, registered against
// prometheus.DefaultRegisterer the way the pack's own instrumented services
// do (a handful of prometheus.New*Opts calls plus a single promhttp.Handler
// mount, rather than a bespoke stats struct).
type Metrics struct {
	BufferBytes      prometheus.Gauge
	StreamRequests   prometheus.Counter
	StreamRejections prometheus.Counter
	IngestReconnects prometheus.Counter
	Overruns         prometheus.Counter
}

// NewMetrics constructs and registers a Metrics against reg. Pass nil to use
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsshift_buffer_bytes",
			Help: "Bytes currently retained in the ring buffer.",
		}),
		StreamRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsshift_stream_requests_total",
			Help: "Total /stream requests served.",
		}),
		StreamRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsshift_stream_rejections_total",
			Help: "Total /stream requests rejected for an unretained offset.",
		}),
		IngestReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsshift_ingest_reconnects_total",
			Help: "Total times the ingest puller reconnected to its origin.",
		}),
		Overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsshift_cache_overruns_total",
			Help: "Total times the writer lapped the reader in the ring buffer.",
		}),
	}
	reg.MustRegister(m.BufferBytes, m.StreamRequests, m.StreamRejections, m.IngestReconnects, m.Overruns)
	return m
}

// Handler returns the GET /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
