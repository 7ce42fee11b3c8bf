package scanning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/batchscan/internal/errors"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(o Options) Options
		wantErr bool
	}{
		{"defaults", func(o Options) Options { return o }, false},
		{"port list and range", func(o Options) Options { return o.WithPorts("22, 80,1000-2000") }, false},
		{"empty ports", func(o Options) Options { return o.WithPorts("") }, true},
		{"port zero", func(o Options) Options { return o.WithPorts("0") }, true},
		{"port too large", func(o Options) Options { return o.WithPorts("65536") }, true},
		{"reversed range", func(o Options) Options { return o.WithPorts("200-100") }, true},
		{"malformed range", func(o Options) Options { return o.WithPorts("1-2-3") }, true},
		{"trailing comma", func(o Options) Options { return o.WithPorts("80,") }, true},
		{"named port", func(o Options) Options { return o.WithPorts("http") }, true},
		{"timing too high", func(o Options) Options { return o.WithTiming(6) }, true},
		{"timing negative", func(o Options) Options { return o.WithTiming(-1) }, true},
		{"zero timeout", func(o Options) Options { return o.WithTimeout(0) }, true},
		{"negative retries", func(o Options) Options { return o.WithRetries(-1) }, true},
		{"empty script name", func(o Options) Options { return o.WithScripts("safe", "") }, true},
		{"min above max rate", func(o Options) Options { o.MinRate, o.MaxRate = 500, 100; return o }, true},
		{"rate bounds", func(o Options) Options { o.MinRate, o.MaxRate = 100, 500; return o }, false},
		{"backoff below one", func(o Options) Options { o.BackoffMultiplier = 0.5; return o }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.modify(DefaultOptions()).Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidation), "got %v", err)
		})
	}
}

func TestOptionsCopySemantics(t *testing.T) {
	base := DefaultOptions().WithScripts("safe")
	changed := base.WithPorts("80").WithTiming(5).WithScripts("vuln")

	assert.Equal(t, "1-1000", base.Ports)
	assert.Equal(t, 3, base.Timing)
	assert.Equal(t, []string{"safe"}, base.Scripts)
	assert.Equal(t, "80", changed.Ports)
	assert.Equal(t, []string{"vuln"}, changed.Scripts)

	clone := base.Clone()
	clone.Scripts[0] = "mutated"
	assert.Equal(t, "safe", base.Scripts[0])
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, StatusTimedOut, StatusForCode(errors.CodeScanTimeout))
	assert.Equal(t, StatusCancelled, StatusForCode(errors.CodeCancelled))
	assert.Equal(t, StatusFailed, StatusForCode(errors.CodeInvalidTarget))
	assert.Equal(t, StatusFailed, StatusForCode(errors.CodeScanExecutionError))
	assert.Equal(t, StatusFailed, StatusForCode(errors.CodeEngineUnavailable))
}

func TestNewFailedRecord(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	record := NewFailedRecord("10.0.0.1", started, started.Add(-time.Second), errors.ErrScanTimeout("10.0.0.1"))

	assert.Equal(t, StatusTimedOut, record.Status)
	assert.False(t, record.CompletedAt.Before(record.StartedAt))
	assert.NotNil(t, record.OpenPorts)
	assert.Empty(t, record.OpenPorts)
	require.NotNil(t, record.Error)
	assert.Equal(t, errors.CodeScanTimeout, record.Error.Code)
}

func TestScanRecordJSON(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	record := ScanRecord{
		Target:      "example.com",
		Status:      StatusSuccess,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		Attempts:    1,
		OpenPorts:   []PortInfo{{Port: 443, Protocol: "tcp", State: "open", Service: "https"}},
		RawOutput:   []byte("<nmaprun/>"),
	}
	record.AttachAnalysis(&Analysis{RiskLevel: RiskLow, RiskScore: 0.5})

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "example.com", decoded["target"])
	assert.Equal(t, "success", decoded["status"])
	assert.NotContains(t, decoded, "RawOutput")
	assert.NotContains(t, decoded, "error")
	assert.Contains(t, decoded, "analysis")
	assert.Equal(t, 2*time.Second, record.Duration())
}

func TestSortAndMergePorts(t *testing.T) {
	ports := []PortInfo{
		{Port: 443, Protocol: "tcp"},
		{Port: 53, Protocol: "udp"},
		{Port: 53, Protocol: "tcp"},
		{Port: 22, Protocol: "tcp"},
	}
	SortPorts(ports)
	assert.Equal(t, []PortInfo{
		{Port: 22, Protocol: "tcp"},
		{Port: 53, Protocol: "tcp"},
		{Port: 53, Protocol: "udp"},
		{Port: 443, Protocol: "tcp"},
	}, ports)

	merged, added := mergePorts(ports, []PortInfo{{Port: 22, Protocol: "tcp"}, {Port: 8080, Protocol: "tcp"}})
	assert.Equal(t, 1, added)
	assert.Len(t, merged, 5)

	assert.Equal(t, []string{"a", "b"}, mergeHosts([]string{"a"}, []string{"a", "b"}))
}
