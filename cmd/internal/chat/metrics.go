package chat

import "github.com/prometheus/client_golang/prometheus"

// BroadcastMetrics exposes fan-out counters. All methods are nil-safe so the
// broadcaster works without a registry in tests.
type BroadcastMetrics struct {
	publishedTotal *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	subscribers    prometheus.Gauge
}

// NewBroadcastMetrics registers broadcast metrics on reg.
func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "broadcast",
			Name:      "published_total",
			Help:      "Events published to the broadcaster, by kind.",
		}, []string{"kind"}),
		deliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "broadcast",
			Name:      "delivered_total",
			Help:      "Events enqueued to subscriber sessions, by kind.",
		}, []string{"kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Events dropped due to subscriber backpressure, by kind.",
		}, []string{"kind"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Active scope subscriptions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.publishedTotal, m.deliveredTotal, m.droppedTotal, m.subscribers)
	}
	return m
}

func (m *BroadcastMetrics) published(kind string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(kind).Inc()
}

func (m *BroadcastMetrics) delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(kind).Inc()
}

func (m *BroadcastMetrics) dropped(kind string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(kind).Inc()
}

func (m *BroadcastMetrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *BroadcastMetrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
