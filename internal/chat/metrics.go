package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

type Metrics struct {
	streams  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		streams: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_chat_streams_total",
			Help: "Chat streams by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gopherrag_chat_stream_duration_seconds",
			Help:    "Wall time of chat streams.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}
