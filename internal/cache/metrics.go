package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultStale   = "stale"
	resultPartial = "partial"
	resultError   = "error"
)

type Metrics struct {
	requests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_cache_requests_total",
			Help: "Cache lookups by entity kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) observe(kind, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
}
