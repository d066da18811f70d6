package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	stages     *prometheus.CounterVec
	stageRetry *prometheus.CounterVec
	stageTime  *prometheus.HistogramVec
	documents  *prometheus.CounterVec
	workspaces *prometheus.CounterVec
	replays    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_ingestion_stages_total",
			Help: "Ingestion stages by outcome.",
		}, []string{"stage", "outcome"}),
		stageRetry: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_ingestion_stage_retries_total",
			Help: "Retried ingestion stage attempts.",
		}, []string{"stage"}),
		stageTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gopherrag_ingestion_stage_duration_seconds",
			Help:    "Duration of ingestion stages including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_documents_processed_total",
			Help: "Documents that reached a terminal state.",
		}, []string{"status"}),
		workspaces: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_workspace_operations_total",
			Help: "Workspace provision and cleanup runs by outcome.",
		}, []string{"operation", "outcome"}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gopherrag_pending_query_replays_total",
			Help: "Pending query replay attempts by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) stage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage, outcome).Inc()
	m.stageTime.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) retried(stage string) {
	if m != nil {
		m.stageRetry.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) document(status string) {
	if m != nil {
		m.documents.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) workspace(operation, outcome string) {
	if m != nil {
		m.workspaces.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) replay(result string) {
	if m != nil {
		m.replays.WithLabelValues(result).Inc()
	}
}
