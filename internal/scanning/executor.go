package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/targets"
)

// Executor scans one target with one set of options and always produces a
// terminal record. It never returns an error and never panics.
type Executor struct {
	engine Engine
	logger *logging.Logger
	now    func() time.Time
}

// NewExecutor creates an executor around engine.
func NewExecutor(engine Engine, logger *logging.Logger) *Executor {
	return &Executor{
		engine: engine,
		logger: logger.WithComponent("executor"),
		now:    time.Now,
	}
}

// Check reports whether the underlying engine can run.
func (x *Executor) Check(ctx context.Context) error {
	if err := x.engine.Check(ctx); err != nil {
		if errors.GetCode(err) == errors.CodeUnknown {
			return errors.ErrEngineUnavailable(err)
		}
		return err
	}
	return nil
}

// Execute scans target, retrying retryable failures with exponential backoff.
func (x *Executor) Execute(ctx context.Context, target string, opts Options) (record ScanRecord) {
	started := x.now()
	attempts := 0

	defer func() {
		if r := recover(); r != nil {
			scanErr := errors.NewScanErrorWithTarget(errors.CodeScanExecutionError,
				fmt.Sprintf("scan panicked: %v", r), target)
			x.logger.ErrorScan("recovered from panic during scan", target, scanErr)
			record = NewFailedRecord(target, started, x.now(), scanErr)
			record.Attempts = attempts
		}
	}()

	if err := targets.Validate(target); err != nil {
		var scanErr *errors.ScanError
		if !stderrors.As(err, &scanErr) {
			scanErr = errors.ErrInvalidTarget(target, err.Error())
		}
		return NewFailedRecord(target, started, x.now(), scanErr)
	}

	if ctx.Err() != nil {
		return NewFailedRecord(target, started, x.now(), errors.ErrCancelled(target))
	}

	var lastErr *errors.ScanError
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(opts, attempt)
			x.logger.Debug("retrying scan", "target", target, "attempt", attempt+1, "delay", delay)
			if err := sleepContext(ctx, delay); err != nil {
				lastErr = errors.ErrCancelled(target)
				break
			}
		}

		attempts++
		result, scanErr := x.attempt(ctx, target, opts)
		if scanErr == nil {
			return x.successRecord(target, started, attempts, result, opts)
		}

		lastErr = scanErr
		if !errors.IsRetryable(scanErr) || ctx.Err() != nil {
			break
		}
		x.logger.WarnScan("scan attempt failed", target, scanErr, "attempt", attempts)
	}

	record = NewFailedRecord(target, started, x.now(), lastErr)
	record.Attempts = attempts
	return record
}

// attempt runs the engine once under the per-attempt timeout. The engine runs
// in its own goroutine so that an engine ignoring its context still times out.
func (x *Executor) attempt(ctx context.Context, target string, opts Options) (*EngineResult, *errors.ScanError) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type outcome struct {
		result   *EngineResult
		err      error
		panicked any
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panicked: r}
			}
		}()
		result, err := x.engine.Scan(attemptCtx, target, opts)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.panicked != nil:
			return nil, errors.NewScanErrorWithTarget(errors.CodeScanExecutionError,
				fmt.Sprintf("engine panicked: %v", out.panicked), target)
		case out.err != nil:
			return nil, classifyEngineError(ctx, attemptCtx, target, out.err)
		case out.result == nil:
			return nil, errors.NewScanErrorWithTarget(errors.CodeScanExecutionError,
				"engine returned no result", target)
		}
		return out.result, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, errors.ErrCancelled(target)
		}
		return nil, errors.ErrScanTimeout(target)
	}
}

func (x *Executor) successRecord(target string, started time.Time, attempts int, result *EngineResult, opts Options) ScanRecord {
	ports := append([]PortInfo{}, result.Ports...)
	SortPorts(ports)

	record := ScanRecord{
		Target:      target,
		Status:      StatusSuccess,
		StartedAt:   started,
		CompletedAt: x.now(),
		Attempts:    attempts,
		Hosts:       append([]string(nil), result.Hosts...),
		OpenPorts:   ports,
	}
	if record.CompletedAt.Before(started) {
		record.CompletedAt = started
	}

	if opts.SaveRaw && len(result.Raw) > 0 {
		record.RawOutput = append([]byte(nil), result.Raw...)
		if opts.RawDir != "" {
			path, err := SaveRawOutput(opts.RawDir, target, result.Raw)
			if err != nil {
				x.logger.WarnScan("failed to save raw output", target, err, "code", errors.GetCode(err))
			} else {
				record.RawPath = path
			}
		}
	}

	x.logger.Debug("scan completed", "target", target, "open_ports", len(ports), "attempts", attempts)
	return record
}

// classifyEngineError maps an engine error onto the error taxonomy.
func classifyEngineError(parent, attemptCtx context.Context, target string, err error) *errors.ScanError {
	if parent.Err() != nil {
		return errors.WrapScanErrorWithTarget(errors.CodeCancelled, "scan cancelled", target, err)
	}
	if stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return errors.WrapScanErrorWithTarget(errors.CodeScanTimeout, "scan exceeded its time limit", target, err)
	}

	var scanErr *errors.ScanError
	if stderrors.As(err, &scanErr) && scanErr.Code != errors.CodeUnknown {
		if scanErr.Target == "" {
			scanErr.Target = target
		}
		return scanErr
	}
	return errors.WrapScanErrorWithTarget(errors.CodeScanExecutionError,
		fmt.Sprintf("scan failed: %s", firstLine(err.Error())), target, err)
}

// backoffDelay returns RetryDelay * BackoffMultiplier^(attempt-1).
func backoffDelay(opts Options, attempt int) time.Duration {
	multiplier := opts.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return time.Duration(float64(opts.RetryDelay) * math.Pow(multiplier, float64(attempt-1)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
