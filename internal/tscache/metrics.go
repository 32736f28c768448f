package tscache

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the facade's gauges/counters, registered against a
// caller-supplied registerer the way the pack's own instrumented daemon
// builds its counters (prometheus.NewCounter/NewGauge plus an explicit
// MustRegister, rather than a global default registry).
type Metrics struct {
	fullCount     prometheus.Gauge
	fullnessBytes prometheus.Gauge
	overrunTotal  prometheus.Counter
	bufferedLow   prometheus.Gauge
	bufferedHigh  prometheus.Gauge
	diskActive    prometheus.Gauge
}

// NewMetrics constructs and registers the facade's collectors against reg.
// Pass a fresh prometheus.NewRegistry() in tests to avoid collisions with
// other Cache instances registered in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fullCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsshift_cache_full_slots",
			Help: "Number of ring slots currently FULL.",
		}),
		fullnessBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsshift_cache_fullness_bytes",
			Help: "Bytes currently retained and pop-able.",
		}),
		overrunTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tsshift_cache_overrun_total",
			Help: "Count of overrun episodes (oldest data overwritten due to a stuck consumer).",
		}),
		bufferedLow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsshift_cache_buffered_low_offset",
			Help: "Lowest stream offset currently retained.",
		}),
		bufferedHigh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsshift_cache_buffered_high_offset",
			Help: "Total bytes pushed since start (the live edge).",
		}),
		diskActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsshift_cache_disk_active",
			Help: "1 if disk overflow is configured and writable, else 0.",
		}),
	}
	reg.MustRegister(m.fullCount, m.fullnessBytes, m.overrunTotal, m.bufferedLow, m.bufferedHigh, m.diskActive)
	return m
}

func (m *Metrics) observe(c *Cache) {
	if m == nil {
		return
	}
	m.fullCount.Set(float64(c.ring.FullCount()))
	m.fullnessBytes.Set(float64(c.ring.Fullness()))
	low, high := c.BufferedRange()
	m.bufferedLow.Set(float64(low))
	m.bufferedHigh.Set(float64(high))
	active := 0.0
	if c.disk != nil && c.disk.Writable() {
		active = 1.0
	}
	m.diskActive.Set(active)
}

func (m *Metrics) incOverrun() {
	if m == nil {
		return
	}
	m.overrunTotal.Inc()
}
