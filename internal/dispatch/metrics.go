package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeDone  = "done"
	outcomePanic = "panic"
)

type Metrics struct {
	submittedTotal *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	finishedTotal  *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	waitSeconds    *prometheus.HistogramVec
	runSeconds     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submittedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_dispatch_submitted_total",
			Help: "Tasks accepted by the dispatcher.",
		}, []string{"task"}),
		rejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_dispatch_rejected_total",
			Help: "Tasks rejected because the queue was full.",
		}, []string{"task"}),
		finishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_dispatch_finished_total",
			Help: "Tasks that finished, by outcome.",
		}, []string{"task", "outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "gopherrag_dispatch_queue_depth",
			Help: "Tasks waiting for a worker.",
		}),
		waitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gopherrag_dispatch_wait_seconds",
			Help:    "Time tasks spent queued.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"task"}),
		runSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gopherrag_dispatch_run_seconds",
			Help:    "Task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task"}),
	}
}

func (m *Metrics) submitted(name string) {
	if m != nil {
		m.submittedTotal.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) rejected(name string) {
	if m != nil {
		m.rejectedTotal.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) setDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) waited(name string, d time.Duration) {
	if m != nil {
		m.waitSeconds.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (m *Metrics) finished(name, outcome string, d time.Duration) {
	if m != nil {
		m.finishedTotal.WithLabelValues(name, outcome).Inc()
		m.runSeconds.WithLabelValues(name).Observe(d.Seconds())
	}
}
