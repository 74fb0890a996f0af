package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics holds the Prometheus collectors of the meeting pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	StageRunsTotal    *prometheus.CounterVec
	StageSeconds      *prometheus.HistogramVec
	CapabilityRetries *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	RunsInFlight      prometheus.Gauge
	UploadBytes       prometheus.Histogram
}

func New(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		StageRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minutes_stage_runs_total",
				Help: "Pipeline stage runs by outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minutes_stage_seconds",
				Help:    "Pipeline stage latency",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
			},
			[]string{"stage"},
		),
		CapabilityRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minutes_capability_retries_total",
				Help: "Retried calls to external engines",
			},
			[]string{"capability"},
		),
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minutes_status_transitions_total",
				Help: "Committed meeting status transitions",
			},
			[]string{"phase", "stage"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minutes_runs_in_flight",
				Help: "Pipeline runs currently executing",
			},
		),
		UploadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "minutes_upload_bytes",
				Help:    "Size of accepted recordings",
				Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
			},
		),
	}
}

func (m *PipelineMetrics) RecordStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRunsTotal.WithLabelValues(stage, outcome).Inc()
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordRetry(capability string) {
	if m == nil {
		return
	}
	m.CapabilityRetries.WithLabelValues(capability).Inc()
}

func (m *PipelineMetrics) RecordTransition(phase, stage string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(phase, stage).Inc()
}

func (m *PipelineMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

func (m *PipelineMetrics) RunFinished() {
	if m == nil {
		return
	}
	m.RunsInFlight.Dec()
}

func (m *PipelineMetrics) RecordUpload(size int64) {
	if m == nil {
		return
	}
	m.UploadBytes.Observe(float64(size))
}
