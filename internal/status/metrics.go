package status

import (
	"time"

	"github.com/krystofrezac/stevedore/internal/bootstrap"
	"github.com/krystofrezac/stevedore/internal/readiness"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stevedore"

// Metrics is a bootstrap.Observer exporting the startup progress.
type Metrics struct {
	registry *prometheus.Registry

	stage         *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec
	probeAttempts *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.stage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "startup",
			Name:      "stage",
			Help:      "1 for the stage the startup sequence is currently in, 0 otherwise",
		},
		[]string{"stage"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "startup",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in a startup stage before moving on",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"stage"},
	)

	m.probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "attempts_total",
			Help:      "Database readiness attempts by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.stage, m.stageDuration, m.probeAttempts)

	for _, stage := range bootstrap.Stages {
		m.stage.WithLabelValues(stage.String()).Set(0)
	}
	m.stage.WithLabelValues(bootstrap.StagePending.String()).Set(1)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StageChanged(from, to bootstrap.Stage, spent time.Duration) {
	m.stage.WithLabelValues(from.String()).Set(0)
	m.stage.WithLabelValues(to.String()).Set(1)
	m.stageDuration.WithLabelValues(from.String()).Observe(spent.Seconds())
}

func (m *Metrics) ProbeAttempted(state readiness.State) {
	result := "failure"
	if state.LastError == nil {
		result = "success"
	}
	m.probeAttempts.WithLabelValues(result).Inc()
}
