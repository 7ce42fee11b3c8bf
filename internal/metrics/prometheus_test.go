package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/scanning"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func successRecord(target string, ports ...int) scanning.ScanRecord {
	record := scanning.ScanRecord{
		Target:      target,
		Status:      scanning.StatusSuccess,
		StartedAt:   start,
		CompletedAt: start.Add(2 * time.Second),
		OpenPorts:   []scanning.PortInfo{},
	}
	for _, p := range ports {
		record.OpenPorts = append(record.OpenPorts, scanning.PortInfo{Port: p, Protocol: "tcp", State: "open"})
	}
	return record
}

func TestNew_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	assert.Same(t, registry, m.Registry())

	families, err := registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["batchscan_targets_total"])
	assert.True(t, names["batchscan_active_scans"])
	assert.True(t, names["batchscan_open_ports_total"])
	assert.True(t, names["go_goroutines"])

	// all statuses are published up front
	assert.Equal(t, len(scanning.Statuses), testutil.CollectAndCount(m.targetsTotal))
}

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil)
	assert.NotNil(t, m.Registry())
}

func TestMetrics_ObservesScans(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ScanStarted("10.0.0.1")
	m.ScanStarted("10.0.0.2")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeScans))

	m.ScanFinished(successRecord("10.0.0.1", 22, 80, 443))
	failed := scanning.NewFailedRecord("10.0.0.2", start, start.Add(time.Second), errors.ErrScanTimeout("10.0.0.2"))
	m.ScanFinished(failed)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeScans))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.targetsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.targetsTotal.WithLabelValues("timed_out")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.targetsTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openPorts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("SCAN_TIMEOUT")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.scanDuration))
}

func TestMetrics_CountsAnalysisErrors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	record := successRecord("10.0.0.3", 0)
	record.AttachAnalysis(&scanning.Analysis{
		Error: errors.NewScanErrorWithTarget(errors.CodeAnalysisError, "bad port", "10.0.0.3"),
	})
	m.ScanStarted(record.Target)
	m.ScanFinished(record)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("ANALYSIS_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.targetsTotal.WithLabelValues("success")))
}

func TestMetrics_BatchFinished(t *testing.T) {
	m := New(prometheus.NewRegistry())

	completed := batch.Aggregate("b1", start, start.Add(time.Minute), []scanning.ScanRecord{successRecord("10.0.0.1")})
	m.BatchFinished(completed)

	cancelled := batch.Aggregate("b2", start, start.Add(time.Second), []scanning.ScanRecord{
		successRecord("10.0.0.1"),
		scanning.NewFailedRecord("10.0.0.2", start, start, errors.ErrCancelled("10.0.0.2")),
	})
	m.BatchFinished(cancelled)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal.WithLabelValues(OutcomeCancelled)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchDuration))
}
