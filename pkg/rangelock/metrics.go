package rangelock

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the manager's counters.  It implements
// prometheus.Collector, so it can be registered with any registry.
type Metrics struct {
	requests    *prometheus.CounterVec
	waitSeconds prometheus.Histogram
	wakeups     prometheus.Counter
	active      prometheus.Gauge
	pending     prometheus.Gauge
	owners      prometheus.Gauge
	vertices    prometheus.Gauge
}

func newMetrics(namespace string) *Metrics {
	const subsystem = "rangelock"
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Lock requests by operation and result.",
		}, []string{"op", "result"}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wait_seconds",
			Help:      "Time synchronous requests spent waiting.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		wakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wakeups_total",
			Help:      "Pending requests granted after their last blocker went away.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_entries",
			Help:      "Granted lock entries.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_entries",
			Help:      "Lock requests waiting to be granted.",
		}),
		owners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "owners",
			Help:      "Identities referenced by lock entries.",
		}),
		vertices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "graph_vertices",
			Help:      "Owners present in the deadlock detection graph.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.waitSeconds, m.wakeups, m.active, m.pending, m.owners, m.vertices}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Outcome names the result of an operation by its error, as used in the
// "result" label of the request counter.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWouldBlock):
		return "would_block"
	case errors.Is(err, ErrDeadlock):
		return "deadlock"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidArgument):
		return "invalid"
	}
	return "error"
}

func (m *Metrics) observe(op string, err error) {
	m.requests.WithLabelValues(op, Outcome(err)).Inc()
}
