// Package batch runs one scan per target over a whole target list, either
// sequentially or on a bounded worker pool, and aggregates the records into a
// sealed Result.
package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/scanning"
	"github.com/anstrom/batchscan/internal/workers"
)

// DefaultMaxConcurrency caps requested concurrency when no limit is configured.
const DefaultMaxConcurrency = 100

const recordTimeout = 30 * time.Second

// Executor scans a single target. *scanning.Executor implements it.
type Executor interface {
	Check(ctx context.Context) error
	Execute(ctx context.Context, target string, opts scanning.Options) scanning.ScanRecord
}

// Recorder persists a sealed result, for example into the history index.
type Recorder interface {
	RecordBatch(ctx context.Context, result *Result) error
}

// Observer is notified as a batch progresses. Every target is reported with
// ScanStarted followed by ScanFinished, including targets cancelled before
// they were admitted. Calls for different targets may arrive concurrently.
type Observer interface {
	ScanStarted(target string)
	ScanFinished(record scanning.ScanRecord)
	BatchFinished(result *Result)
}

// Progress is emitted after every resolved target.
type Progress struct {
	Completed int
	Total     int
	Target    string
	Status    scanning.Status
}

// ProgressFunc receives progress updates from a single goroutine.
type ProgressFunc func(Progress)

// Config holds orchestrator limits.
type Config struct {
	// MaxConcurrency is the hard upper bound on in-flight scans.
	MaxConcurrency int
	// RateLimit bounds target admissions per second in parallel mode (0 = none).
	RateLimit float64
}

// RunOptions configures one batch run.
type RunOptions struct {
	Concurrency int
	// Optimize applies the orchestrator's optimizer, if any, to the options.
	Optimize bool
	Progress ProgressFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder registers a recorder called after each batch is sealed.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, r) }
}

// WithObserver registers an observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithOptimizer sets the optimizer used when RunOptions.Optimize is true.
func WithOptimizer(opt *scanning.Optimizer) Option {
	return func(o *Orchestrator) { o.optimizer = opt }
}

// Orchestrator runs batches. It holds no per-batch state and may run several
// batches at once.
type Orchestrator struct {
	executor  Executor
	analyzer  scanning.Analyzer
	config    Config
	logger    *logging.Logger
	optimizer *scanning.Optimizer
	recorders []Recorder
	observers []Observer
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. analyzer may be nil to skip
// analysis.
func NewOrchestrator(executor Executor, analyzer scanning.Analyzer, cfg Config, logger *logging.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	o := &Orchestrator{
		executor: executor,
		analyzer: analyzer,
		config:   cfg,
		logger:   logger.WithComponent("batch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClampConcurrency bounds requested concurrency to [1, MaxConcurrency].
func (o *Orchestrator) ClampConcurrency(requested int) int {
	switch {
	case requested < 1:
		return 1
	case requested > o.config.MaxConcurrency:
		return o.config.MaxConcurrency
	default:
		return requested
	}
}

type resolved struct {
	index  int
	record scanning.ScanRecord
}

// Run scans every target and returns the sealed result. Errors are returned
// only for setup problems found before any scan starts. A cancelled ctx
// still yields a complete result in which unstarted targets are cancelled.
func (o *Orchestrator) Run(ctx context.Context, targetList []string, opts scanning.Options, run RunOptions) (*Result, error) {
	if len(targetList) == 0 {
		return nil, errors.NewScanError(errors.CodeValidation, "no targets to scan")
	}

	opts = opts.Clone()
	if run.Optimize && o.optimizer != nil {
		opts = o.optimizer.Optimize(targetList, opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := o.executor.Check(ctx); err != nil {
		return nil, err
	}

	concurrency := o.ClampConcurrency(run.Concurrency)
	strategy := StrategyParallel
	if concurrency <= 1 {
		strategy = StrategySequential
	}

	id := uuid.NewString()
	start := o.now()
	logger := o.logger.WithBatchID(id)
	logger.InfoBatch("Starting batch", id,
		"targets", len(targetList),
		"strategy", strategy,
		"concurrency", concurrency)

	acc := NewAccumulator(id, start, len(targetList), strategy, concurrency)
	results := make(chan resolved)
	done := make(chan []bool)

	go o.aggregate(logger, acc, len(targetList), results, run.Progress, done)

	if strategy == StrategySequential {
		o.runSequential(ctx, targetList, opts, results)
	} else {
		o.runParallel(ctx, logger, targetList, opts, concurrency, results)
	}
	close(results)
	seen := <-done

	o.fillCancelled(acc, targetList, seen, run.Progress)

	result, err := acc.Seal(o.now())
	if err != nil {
		// every target was accounted for above, so this is a programming error
		return nil, err
	}

	for _, obs := range o.observers {
		obs.BatchFinished(result)
	}
	o.record(ctx, logger, result)

	logger.InfoBatch("Batch completed", id,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration", result.Duration())
	return result, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, targetList []string, opts scanning.Options, results chan<- resolved) {
	for i, target := range targetList {
		if ctx.Err() != nil {
			return
		}
		results <- resolved{index: i, record: o.scanOne(ctx, target, opts)}
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, logger *logging.Logger, targetList []string,
	opts scanning.Options, concurrency int, results chan<- resolved) {
	pool := workers.New(workers.Config{
		Size:      concurrency,
		RateLimit: o.config.RateLimit,
	}, logger)
	pool.Start(ctx)
	defer pool.Shutdown()

	for i, target := range targetList {
		job := workers.NewJob(fmt.Sprintf("%d:%s", i, target), "scan", func(jobCtx context.Context) error {
			record := o.scanOne(jobCtx, target, opts)
			results <- resolved{index: i, record: record}
			if record.Error != nil {
				return record.Error
			}
			return nil
		})
		if err := pool.Submit(ctx, job); err != nil {
			logger.Debug("Stopped admitting targets", "admitted", i, "reason", err)
			return
		}
	}
}

// aggregate is the only goroutine that appends to acc during a run.
func (o *Orchestrator) aggregate(logger *logging.Logger, acc *Accumulator, total int,
	results <-chan resolved, progress ProgressFunc, done chan<- []bool) {
	seen := make([]bool, total)
	for r := range results {
		completed, err := acc.Add(r.record)
		if err != nil {
			logger.Error("Dropping record", "target", r.record.Target, "error", err)
			continue
		}
		seen[r.index] = true
		if progress != nil {
			progress(Progress{Completed: completed, Total: total, Target: r.record.Target, Status: r.record.Status})
		}
	}
	done <- seen
}

func (o *Orchestrator) fillCancelled(acc *Accumulator, targetList []string, seen []bool, progress ProgressFunc) {
	now := o.now()
	for i, target := range targetList {
		if seen[i] {
			continue
		}
		record := scanning.NewFailedRecord(target, now, now, errors.ErrCancelled(target))
		for _, obs := range o.observers {
			obs.ScanStarted(target)
			obs.ScanFinished(record)
		}
		completed, err := acc.Add(record)
		if err != nil {
			o.logger.Error("Dropping cancelled record", "target", target, "error", err)
			continue
		}
		if progress != nil {
			progress(Progress{Completed: completed, Total: len(targetList), Target: target, Status: record.Status})
		}
	}
}

// scanOne executes and analyzes one target. It never panics.
func (o *Orchestrator) scanOne(ctx context.Context, target string, opts scanning.Options) scanning.ScanRecord {
	for _, obs := range o.observers {
		obs.ScanStarted(target)
	}

	record := o.safeExecute(ctx, target, opts)
	if record.Succeeded() && o.analyzer != nil {
		o.analyze(&record)
	}

	for _, obs := range o.observers {
		obs.ScanFinished(record)
	}
	return record
}

func (o *Orchestrator) safeExecute(ctx context.Context, target string, opts scanning.Options) (record scanning.ScanRecord) {
	started := o.now()
	defer func() {
		if r := recover(); r != nil {
			scanErr := errors.NewScanErrorWithTarget(errors.CodeScanExecutionError,
				fmt.Sprintf("executor panicked: %v", r), target)
			o.logger.ErrorScan("Recovered from executor panic", target, scanErr)
			record = scanning.NewFailedRecord(target, started, o.now(), scanErr)
		}
	}()

	record = o.executor.Execute(ctx, target, opts)
	if record.Target == "" {
		record.Target = target
	}
	if !record.Succeeded() && record.Error == nil {
		record.Error = errors.NewScanErrorWithTarget(errors.CodeScanExecutionError, "scan failed without an error", target)
	}
	return record
}

func (o *Orchestrator) analyze(record *scanning.ScanRecord) {
	analysis, err := o.safeAnalyze(*record)
	if err != nil {
		var scanErr *errors.ScanError
		if !stderrors.As(err, &scanErr) || scanErr.Code != errors.CodeAnalysisError {
			scanErr = errors.WrapScanErrorWithTarget(errors.CodeAnalysisError, "analysis failed", record.Target, err)
		}
		o.logger.WarnScan("Analysis failed", record.Target, scanErr)
		record.AttachAnalysis(&scanning.Analysis{Error: scanErr})
		return
	}
	if analysis != nil {
		record.AttachAnalysis(analysis)
	}
}

func (o *Orchestrator) safeAnalyze(record scanning.ScanRecord) (analysis *scanning.Analysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			analysis = nil
			err = errors.NewScanErrorWithTarget(errors.CodeAnalysisError,
				fmt.Sprintf("analyzer panicked: %v", r), record.Target)
		}
	}()
	return o.analyzer.Analyze(record)
}

func (o *Orchestrator) record(ctx context.Context, logger *logging.Logger, result *Result) {
	if len(o.recorders) == 0 {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	for _, r := range o.recorders {
		if err := r.RecordBatch(recordCtx, result); err != nil {
			logger.Warn("Failed to record batch", "error", err)
		}
	}
}
