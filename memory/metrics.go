package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors a Manager reports to.
type Metrics struct {
	notesAdded         *prometheus.CounterVec
	stmEvictions       prometheus.Counter
	enrichmentFailures *prometheus.CounterVec
	enrichmentQueue    prometheus.Gauge
	searchDuration     *prometheus.HistogramVec
	breakerOpen        prometheus.Gauge
}

// NewMetrics registers the memory collectors on reg. A nil reg uses a fresh
// private registry, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		notesAdded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nim",
			Subsystem: "memory",
			Name:      "notes_added_total",
			Help:      "Notes written, by tier.",
		}, []string{"tier"}),
		stmEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nim",
			Subsystem: "memory",
			Name:      "stm_evictions_total",
			Help:      "Short-term notes evicted by LRU.",
		}),
		enrichmentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nim",
			Subsystem: "memory",
			Name:      "enrichment_failures_total",
			Help:      "Long-term enrichment failures, by stage.",
		}, []string{"stage"}),
		enrichmentQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nim",
			Subsystem: "memory",
			Name:      "enrichment_queue_depth",
			Help:      "Enrichment jobs waiting for a worker.",
		}),
		searchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nim",
			Subsystem: "memory",
			Name:      "search_duration_seconds",
			Help:      "Search latency, by tier.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"tier"}),
		breakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nim",
			Subsystem: "memory",
			Name:      "ltm_breaker_open",
			Help:      "1 while the long-term circuit breaker rejects calls.",
		}),
	}
}

// The helpers below accept a nil receiver so the Manager never has to check.

func (m *Metrics) noteAdded(tier string) {
	if m != nil {
		m.notesAdded.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.stmEvictions.Inc()
	}
}

func (m *Metrics) enrichmentFailed(stage string) {
	if m != nil {
		m.enrichmentFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) queueDepth(delta float64) {
	if m != nil {
		m.enrichmentQueue.Add(delta)
	}
}

func (m *Metrics) observeSearch(tier string, seconds float64) {
	if m != nil {
		m.searchDuration.WithLabelValues(tier).Observe(seconds)
	}
}

func (m *Metrics) breaker(state BreakerState) {
	if m == nil {
		return
	}
	if state == BreakerOpen {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}
