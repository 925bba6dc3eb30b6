package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name when none is configured
const DefaultNamespace = "app_packager"

// Metrics holds all Prometheus metrics for the packager. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Build metrics
	BuildsTotal      *prometheus.CounterVec
	BuildDuration    *prometheus.HistogramVec
	BuildsInProgress prometheus.Gauge

	// Phase metrics
	PhaseDuration *prometheus.HistogramVec
	FailuresTotal *prometheus.CounterVec

	// Artifact metrics
	ArtifactBytes *prometheus.HistogramVec

	// Run metrics
	WorkloadsActive prometheus.Gauge
}

// NewMetrics creates the packaging metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		BuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Total number of workloads processed, by cache outcome",
			},
			[]string{"language", "kind", "outcome"},
		),
		BuildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Time taken to package a workload end to end",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"language", "kind"},
		),
		BuildsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builds_in_progress",
				Help:      "Number of language builds currently running",
			},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each packaging phase",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"phase"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Total number of failed workloads by phase and category",
			},
			[]string{"phase", "category"},
		),
		ArtifactBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of finalized artifacts",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 10),
			},
			[]string{"language", "kind", "measure"},
		),
		WorkloadsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workloads_active",
				Help:      "Number of workloads currently being packaged",
			},
		),
	}
}

// RecordOutcome records a settled workload
func (m *Metrics) RecordOutcome(language, kind, outcome string) {
	if m == nil {
		return
	}
	m.BuildsTotal.WithLabelValues(language, kind, outcome).Inc()
}

// RecordBuildDuration records the end-to-end packaging time of a workload
func (m *Metrics) RecordBuildDuration(language, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.BuildDuration.WithLabelValues(language, kind).Observe(seconds)
}

// IncBuildsInProgress increments the running builds gauge
func (m *Metrics) IncBuildsInProgress() {
	if m == nil {
		return
	}
	m.BuildsInProgress.Inc()
}

// DecBuildsInProgress decrements the running builds gauge
func (m *Metrics) DecBuildsInProgress() {
	if m == nil {
		return
	}
	m.BuildsInProgress.Dec()
}

// RecordPhaseDuration records time spent in one phase
func (m *Metrics) RecordPhaseDuration(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordFailure records a failed workload
func (m *Metrics) RecordFailure(phase, category string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(phase, category).Inc()
}

// RecordArtifactSize records one size measure of a finalized artifact
func (m *Metrics) RecordArtifactSize(language, kind, measure string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.ArtifactBytes.WithLabelValues(language, kind, measure).Observe(float64(bytes))
}

// IncWorkloadsActive increments the active workloads gauge
func (m *Metrics) IncWorkloadsActive() {
	if m == nil {
		return
	}
	m.WorkloadsActive.Inc()
}

// DecWorkloadsActive decrements the active workloads gauge
func (m *Metrics) DecWorkloadsActive() {
	if m == nil {
		return
	}
	m.WorkloadsActive.Dec()
}

// WriteTextfile dumps every metric gathered by g to path in the text
// exposition format, for node_exporter's textfile collector
func WriteTextfile(g prometheus.Gatherer, path string) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
