package scanning_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/scanning"
	"github.com/anstrom/batchscan/internal/scanning/mocks"
)

func fastOptions() scanning.Options {
	opts := scanning.DefaultOptions()
	opts.Timeout = time.Second
	opts.Retries = 0
	opts.RetryDelay = time.Millisecond
	return opts
}

func TestExecutor_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	engine.EXPECT().
		Scan(gomock.Any(), "10.0.0.1", gomock.Any()).
		Return(&scanning.EngineResult{
			Hosts: []string{"10.0.0.1"},
			Ports: []scanning.PortInfo{
				{Port: 443, Protocol: "tcp", State: "open", Service: "https"},
				{Port: 22, Protocol: "tcp", State: "open", Service: "ssh"},
			},
		}, nil)

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "10.0.0.1", fastOptions())

	assert.Equal(t, scanning.StatusSuccess, record.Status)
	assert.Nil(t, record.Error)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, []string{"10.0.0.1"}, record.Hosts)
	require.Len(t, record.OpenPorts, 2)
	assert.Equal(t, 22, record.OpenPorts[0].Port)
	assert.False(t, record.CompletedAt.Before(record.StartedAt))
}

func TestExecutor_InvalidTargetSkipsEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	// no expectations: any engine call fails the test

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "bad..host", fastOptions())

	assert.Equal(t, scanning.StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, errors.CodeInvalidTarget, record.Error.Code)
	assert.Equal(t, 0, record.Attempts)
}

func TestExecutor_ExecutionErrorIsRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	gomock.InOrder(
		engine.EXPECT().Scan(gomock.Any(), "example.com", gomock.Any()).
			Return(nil, fmt.Errorf("exit status 1")),
		engine.EXPECT().Scan(gomock.Any(), "example.com", gomock.Any()).
			Return(&scanning.EngineResult{}, nil),
	)

	opts := fastOptions().WithRetries(2)
	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "example.com", opts)

	assert.Equal(t, scanning.StatusSuccess, record.Status)
	assert.Equal(t, 2, record.Attempts)
	assert.NotNil(t, record.OpenPorts)
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	engine.EXPECT().Scan(gomock.Any(), "10.0.0.2", gomock.Any()).
		Return(nil, fmt.Errorf("parse failure")).Times(3)

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "10.0.0.2", fastOptions().WithRetries(2))

	assert.Equal(t, scanning.StatusFailed, record.Status)
	assert.Equal(t, errors.CodeScanExecutionError, record.Error.Code)
	assert.Equal(t, "scan failed: parse failure", record.Error.Message)
	assert.Equal(t, 3, record.Attempts)

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(data), "parse failure")
}

func TestExecutor_NonRetryableEngineError(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	engine.EXPECT().Scan(gomock.Any(), "10.0.0.3", gomock.Any()).
		Return(nil, errors.ErrEngineUnavailable(fmt.Errorf("nmap not found"))).Times(1)

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "10.0.0.3", fastOptions().WithRetries(3))

	assert.Equal(t, scanning.StatusFailed, record.Status)
	assert.Equal(t, errors.CodeEngineUnavailable, record.Error.Code)
	assert.Equal(t, "10.0.0.3", record.Error.Target)
	assert.Equal(t, 1, record.Attempts)
}

// stuckEngine ignores its context and never returns until released.
type stuckEngine struct {
	release chan struct{}
}

func (e *stuckEngine) Check(context.Context) error { return nil }

func (e *stuckEngine) Scan(context.Context, string, scanning.Options) (*scanning.EngineResult, error) {
	<-e.release
	return &scanning.EngineResult{}, nil
}

func TestExecutor_TimeoutWithEngineIgnoringContext(t *testing.T) {
	engine := &stuckEngine{release: make(chan struct{})}
	defer close(engine.release)

	opts := fastOptions().WithTimeout(20 * time.Millisecond)
	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "10.0.0.4", opts)

	assert.Equal(t, scanning.StatusTimedOut, record.Status)
	assert.Equal(t, errors.CodeScanTimeout, record.Error.Code)
	assert.Equal(t, 1, record.Attempts)
}

func TestExecutor_CancelledWhileRunning(t *testing.T) {
	engine := &stuckEngine{release: make(chan struct{})}
	defer close(engine.release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(ctx, "10.0.0.5", fastOptions().WithRetries(3))

	assert.Equal(t, scanning.StatusCancelled, record.Status)
	assert.Equal(t, errors.CodeCancelled, record.Error.Code)
	assert.Equal(t, 1, record.Attempts)
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(ctx, "10.0.0.6", fastOptions())
	assert.Equal(t, scanning.StatusCancelled, record.Status)
	assert.Equal(t, 0, record.Attempts)
}

func TestExecutor_EnginePanicBecomesFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)

	engine.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, scanning.Options) (*scanning.EngineResult, error) {
			panic("engine exploded")
		})

	record := scanning.NewExecutor(engine, logging.Nop()).Execute(context.Background(), "10.0.0.7", fastOptions())

	assert.Equal(t, scanning.StatusFailed, record.Status)
	assert.Equal(t, errors.CodeScanExecutionError, record.Error.Code)
	assert.Contains(t, record.Error.Message, "engine exploded")
}

func TestExecutor_SaveRaw(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	raw := []byte("<nmaprun></nmaprun>")

	engine.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&scanning.EngineResult{Raw: raw}, nil).Times(2)

	executor := scanning.NewExecutor(engine, logging.Nop())

	t.Run("written to raw dir", func(t *testing.T) {
		opts := fastOptions()
		opts.SaveRaw = true
		opts.RawDir = filepath.Join(t.TempDir(), "raw")

		record := executor.Execute(context.Background(), "10.0.0.0/30", opts)

		assert.Equal(t, scanning.StatusSuccess, record.Status)
		assert.Equal(t, raw, record.RawOutput)
		require.NotEmpty(t, record.RawPath)
		assert.Equal(t, "10.0.0.0_30.xml", filepath.Base(record.RawPath))
		data, err := os.ReadFile(record.RawPath)
		require.NoError(t, err)
		assert.Equal(t, raw, data)
	})

	t.Run("write failure keeps success", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o600))

		opts := fastOptions()
		opts.SaveRaw = true
		opts.RawDir = filepath.Join(blocker, "raw")

		record := executor.Execute(context.Background(), "10.0.0.8", opts)

		assert.Equal(t, scanning.StatusSuccess, record.Status)
		assert.Nil(t, record.Error)
		assert.Empty(t, record.RawPath)
		assert.Equal(t, raw, record.RawOutput)
	})
}

func TestExecutor_Check(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().Check(gomock.Any()).Return(fmt.Errorf("no binary"))

	err := scanning.NewExecutor(engine, logging.Nop()).Check(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeEngineUnavailable))
}
