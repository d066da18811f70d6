package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	publishedTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	relayErrors    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		publishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_events_published_total",
			Help: "Status events delivered to the in-process hub.",
		}, []string{"type"}),
		droppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_events_dropped_total",
			Help: "Status events dropped because a subscriber was too slow.",
		}, []string{"type"}),
		relayErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "gopherrag_events_relay_errors_total",
			Help: "Failures relaying status events through the broker.",
		}),
	}
}

func (m *Metrics) published(typ string) {
	if m != nil {
		m.publishedTotal.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) dropped(typ string) {
	if m != nil {
		m.droppedTotal.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) relayError() {
	if m != nil {
		m.relayErrors.Inc()
	}
}
