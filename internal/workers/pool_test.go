package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/batchscan/internal/logging"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	duration time.Duration
	err      error
	executed int32
}

func NewMockJob(id string, duration time.Duration, err error) *MockJob {
	return &MockJob{id: id, duration: duration, err: err}
}

func (m *MockJob) Execute(ctx context.Context) error {
	atomic.AddInt32(&m.executed, 1)
	if m.duration > 0 {
		select {
		case <-time.After(m.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *MockJob) ID() string { return m.id }

func (m *MockJob) Type() string { return "mock" }

func (m *MockJob) ExecutedCount() int32 {
	return atomic.LoadInt32(&m.executed)
}

func TestNewPool(t *testing.T) {
	t.Run("raises size and burst to one", func(t *testing.T) {
		pool := New(Config{}, nil)
		assert.Equal(t, 1, pool.Size())
		assert.Equal(t, 1, pool.config.Burst)
		assert.Nil(t, pool.limiter)
	})

	t.Run("configures limiter", func(t *testing.T) {
		pool := New(Config{Size: 3, RateLimit: 5}, logging.Nop())
		assert.Equal(t, 3, pool.Size())
		require.NotNil(t, pool.limiter)
	})
}

func TestPool_RunsAllJobs(t *testing.T) {
	pool := New(Config{Size: 3}, logging.Nop())
	pool.Start(context.Background())

	jobs := make([]*MockJob, 10)
	for i := range jobs {
		jobs[i] = NewMockJob(fmt.Sprintf("job-%d", i), time.Millisecond, nil)
		require.NoError(t, pool.Submit(context.Background(), jobs[i]))
	}
	pool.Shutdown()

	for _, job := range jobs {
		assert.Equal(t, int32(1), job.ExecutedCount(), job.ID())
	}
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	pool := New(Config{Size: size}, logging.Nop())
	pool.Start(context.Background())

	var active, peak int32
	for i := 0; i < 12; i++ {
		job := NewJob(fmt.Sprintf("job-%d", i), "test", func(context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
		require.NoError(t, pool.Submit(context.Background(), job))
	}
	pool.Shutdown()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(size))
	assert.Equal(t, int64(12), pool.Stats().Completed)
}

func TestPool_SubmitBlocksWhileWorkersBusy(t *testing.T) {
	pool := New(Config{Size: 1}, logging.Nop())
	pool.Start(context.Background())
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), NewJob("busy", "test", func(context.Context) error {
		<-release
		return nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, NewMockJob("waiting", 0, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestPool_FailuresAndPanics(t *testing.T) {
	pool := New(Config{Size: 2}, logging.Nop())
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(context.Background(), NewMockJob("fails", 0, errors.New("boom"))))
	require.NoError(t, pool.Submit(context.Background(), NewJob("panics", "test", func(context.Context) error {
		panic("worker must survive")
	})))
	require.NoError(t, pool.Submit(context.Background(), NewMockJob("ok", 0, nil)))
	pool.Shutdown()

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPool_RateLimit(t *testing.T) {
	pool := New(Config{Size: 4, RateLimit: 50, Burst: 1}, logging.Nop())
	pool.Start(context.Background())

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), NewMockJob(fmt.Sprintf("job-%d", i), 0, nil)))
	}
	pool.Shutdown()

	// four waits of 20ms after the first token
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestPool_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := New(Config{Size: 1}, logging.Nop())
	pool.Start(ctx)

	var started sync.WaitGroup
	started.Add(1)
	long := NewJob("long", "test", func(jobCtx context.Context) error {
		started.Done()
		<-jobCtx.Done()
		return jobCtx.Err()
	})
	require.NoError(t, pool.Submit(context.Background(), long))
	started.Wait()

	cancel()
	err := pool.Submit(context.Background(), NewMockJob("late", 0, nil))
	assert.ErrorIs(t, err, context.Canceled)

	pool.Shutdown()
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := New(Config{Size: 2}, logging.Nop())
	pool.Start(context.Background())
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), NewMockJob("late", 0, nil))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestFuncJob(t *testing.T) {
	called := false
	job := NewJob("id-1", "scan", func(context.Context) error {
		called = true
		return nil
	})

	assert.Equal(t, "id-1", job.ID())
	assert.Equal(t, "scan", job.Type())
	require.NoError(t, job.Execute(context.Background()))
	assert.True(t, called)
}
