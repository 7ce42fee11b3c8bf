// Package metrics provides Prometheus collectors for batch scans and the
// small HTTP server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/scanning"
)

// Namespace for all batchscan metrics
const namespace = "batchscan"

// Batch outcomes used as the batches_total label.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors for batch scans. It implements
// batch.Observer so the orchestrator can feed it directly.
type Metrics struct {
	batchesTotal  *prometheus.CounterVec
	targetsTotal  *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	batchDuration prometheus.Histogram
	activeScans   prometheus.Gauge
	openPorts     prometheus.Counter
	errorsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ batch.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with registry. A nil
// registry gets a fresh one. Go runtime and process collectors are
// registered alongside.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}
	m.initBatchMetrics()
	m.initScanMetrics()
	m.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Publish every status at zero so dashboards see the full series set.
	for _, status := range scanning.Statuses {
		m.targetsTotal.WithLabelValues(string(status))
	}
	return m
}

func (m *Metrics) initBatchMetrics() {
	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of finished batches by outcome",
		},
		[]string{"outcome"},
	)

	m.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of batches in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)
}

func (m *Metrics) initScanMetrics() {
	m.targetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Total number of resolved targets by status",
		},
		[]string{"status"},
	)

	m.scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of single target scans in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
	)

	m.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scans",
			Help:      "Number of currently running target scans",
		},
	)

	m.openPorts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_ports_total",
			Help:      "Total number of open ports found",
		},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of per-target errors by code",
		},
		[]string{"code"},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.batchesTotal)
	m.registry.MustRegister(m.batchDuration)
	m.registry.MustRegister(m.targetsTotal)
	m.registry.MustRegister(m.scanDuration)
	m.registry.MustRegister(m.activeScans)
	m.registry.MustRegister(m.openPorts)
	m.registry.MustRegister(m.errorsTotal)
}

// Registry returns the Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ScanStarted implements batch.Observer.
func (m *Metrics) ScanStarted(string) {
	m.activeScans.Inc()
}

// ScanFinished implements batch.Observer.
func (m *Metrics) ScanFinished(record scanning.ScanRecord) {
	m.activeScans.Dec()
	m.targetsTotal.WithLabelValues(string(record.Status)).Inc()
	m.scanDuration.Observe(record.Duration().Seconds())
	m.openPorts.Add(float64(len(record.OpenPorts)))

	if record.Error != nil {
		m.errorsTotal.WithLabelValues(string(record.Error.Code)).Inc()
	}
	if record.Analysis != nil && record.Analysis.Error != nil {
		m.errorsTotal.WithLabelValues(string(errors.CodeAnalysisError)).Inc()
	}
}

// BatchFinished implements batch.Observer.
func (m *Metrics) BatchFinished(result *batch.Result) {
	outcome := OutcomeCompleted
	if result.Stats.StatusCounts[scanning.StatusCancelled] > 0 {
		outcome = OutcomeCancelled
	}
	m.batchesTotal.WithLabelValues(outcome).Inc()
	m.batchDuration.Observe(result.Duration().Seconds())
}
