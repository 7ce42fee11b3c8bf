// Package workers provides the fixed-size worker pool used by the batch
// orchestrator. Jobs are handed to workers over an unbuffered queue, so a job
// is only admitted once a worker is free to run it. Admission can be rate
// limited.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/batchscan/internal/logging"
)

// ErrPoolClosed is returned when submitting to a pool that has been shut down.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for logging.
	Type() string
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// RateLimit is the maximum number of admissions per second (0 = no limit).
	RateLimit float64
	// Burst is the number of admissions allowed at once when rate limited.
	Burst int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:  10,
		Burst: 1,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Skipped   int64
	Panicked  int64
}

// Pool manages a fixed set of worker goroutines.
type Pool struct {
	config  Config
	logger  *logging.Logger
	jobs    chan Job
	limiter *rate.Limiter
	wg      sync.WaitGroup

	ctx      context.Context
	stopping chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	closed    atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	panicked  atomic.Int64
}

type worker struct {
	id   int
	pool *Pool
}

// New creates a new worker pool. A size below one is raised to one.
func New(config Config, logger *logging.Logger) *Pool {
	if config.Size < 1 {
		config.Size = 1
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}

	pool := &Pool{
		config:   config,
		logger:   logger.WithComponent("workers"),
		jobs:     make(chan Job),
		ctx:      context.Background(),
		stopping: make(chan struct{}),
	}

	if config.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst)
	}

	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.Size
}

// Start launches the workers. Jobs run under ctx; once it is done, workers
// stop taking jobs.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx = ctx
		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			w := &worker{id: i, pool: p}
			p.wg.Add(1)
			go w.run()
		}
	})
}

// Submit hands a job to the next free worker, blocking until one takes it,
// ctx is done, or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait for job %s: %w", job.ID(), err)
		}
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.stopping:
		return ErrPoolClosed
	}
}

// Shutdown stops the workers and waits for running jobs to return.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.stopping)
	})
	p.wg.Wait()
	p.logger.Debug("Worker pool stopped", "completed", p.completed.Load(), "failed", p.failed.Load())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case job := <-w.pool.jobs:
			w.execute(job)
		case <-w.pool.stopping:
			return
		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *worker) execute(job Job) {
	p := w.pool
	if p.ctx.Err() != nil {
		p.skipped.Add(1)
		return
	}

	start := time.Now()
	err := w.safeExecute(job)

	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", w.id,
			"error", err)
		return
	}

	p.completed.Add(1)
	p.logger.Debug("Job completed",
		"job_id", job.ID(),
		"job_type", job.Type(),
		"worker_id", w.id,
		"duration", time.Since(start))
}

func (w *worker) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.panicked.Add(1)
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(w.pool.ctx)
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewJob creates a job running fn.
func NewJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
