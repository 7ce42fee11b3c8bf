// Package scheduler runs batches on cron schedules. Each job is a function
// that runs one batch; a run still in progress when its next tick fires is
// skipped.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
)

// RunFunc runs one scheduled batch.
type RunFunc func(ctx context.Context) error

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run"`
	Runs      int       `json:"runs"`
	Running   bool      `json:"running"`
	LastError string    `json:"last_error,omitempty"`
}

type scheduledJob struct {
	id      uuid.UUID
	name    string
	spec    string
	cronID  cron.EntryID
	run     RunFunc
	lastRun time.Time
	runs    int
	running bool
	lastErr error
}

// Scheduler manages scheduled batch jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logging.Logger
	jobs    map[uuid.UUID]*scheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// triggered tracks runs started by Trigger, which cron does not wait for.
	triggered sync.WaitGroup
}

// New creates a scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("scheduler")
	cl := cronLogger{logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		jobs:   make(map[uuid.UUID]*scheduledJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddBatch schedules run under a standard five-field cron expression or a
// descriptor such as "@hourly" or "@every 30m".
func (s *Scheduler) AddBatch(name, cronExpr string, run RunFunc) (uuid.UUID, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return uuid.Nil, errors.WrapScanError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression %q", cronExpr), err)
	}

	job := &scheduledJob{
		id:   uuid.New(),
		name: name,
		spec: cronExpr,
		run:  run,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.execute(job) }))
	s.jobs[job.id] = job

	s.logger.Info("Scheduled batch", "job_id", job.id, "name", name, "spec", cronExpr)
	return job.id, nil
}

// Remove unschedules a job. Runs already in progress finish.
func (s *Scheduler) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("no scheduled job %s", id))
	}
	s.cron.Remove(job.cronID)
	delete(s.jobs, id)
	return nil
}

// Trigger runs a job now, outside its schedule. The run goes through the
// same chain as scheduled runs, so it is skipped if the job is running.
func (s *Scheduler) Trigger(id uuid.UUID) error {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("no scheduled job %s", id))
	}

	entry := s.cron.Entry(job.cronID)
	if !entry.Valid() {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("job %s is not scheduled", id))
	}
	s.triggered.Add(1)
	go func() {
		defer s.triggered.Done()
		entry.WrappedJob.Run()
	}()
	return nil
}

// Start begins firing jobs. Runs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing jobs, cancels running batches and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.triggered.Wait()
	s.logger.Info("Scheduler stopped")
}

// Jobs lists the scheduled jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		info := JobInfo{
			ID:      job.id,
			Name:    job.name,
			Spec:    job.spec,
			NextRun: s.cron.Entry(job.cronID).Next,
			LastRun: job.lastRun,
			Runs:    job.runs,
			Running: job.running,
		}
		if job.lastErr != nil {
			info.LastError = job.lastErr.Error()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID.String() < infos[j].ID.String()
	})
	return infos
}

func (s *Scheduler) execute(job *scheduledJob) {
	s.mu.Lock()
	ctx := s.ctx
	job.running = true
	job.lastRun = time.Now()
	s.mu.Unlock()

	s.logger.Info("Running scheduled batch", "job_id", job.id, "name", job.name)
	start := time.Now()
	err := safeRun(ctx, job.run)

	s.mu.Lock()
	job.running = false
	job.runs++
	job.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled batch failed", "job_id", job.id, "name", job.name, "error", err)
		return
	}
	s.logger.Info("Scheduled batch finished", "job_id", job.id, "name", job.name,
		"duration", time.Since(start))
}

func safeRun(ctx context.Context, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled batch panicked: %v", r)
		}
	}()
	return run(ctx)
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
