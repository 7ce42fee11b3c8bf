package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
)

func noop(context.Context) error { return nil }

func TestAddBatch_ValidatesExpression(t *testing.T) {
	s := New(logging.Nop())

	for _, expr := range []string{"", "* * *", "61 * * * *", "@sometimes"} {
		_, err := s.AddBatch("bad", expr, noop)
		assert.True(t, errors.IsCode(err, errors.CodeValidation), expr)
	}
	assert.Empty(t, s.Jobs())

	for _, expr := range []string{"*/5 * * * *", "0 3 * * 1-5", "@hourly", "@every 30m"} {
		_, err := s.AddBatch("good", expr, noop)
		assert.NoError(t, err, expr)
	}
	assert.Len(t, s.Jobs(), 4)
}

func TestJobs_ListsSorted(t *testing.T) {
	s := New(nil)

	_, err := s.AddBatch("nightly", "0 2 * * *", noop)
	require.NoError(t, err)
	_, err = s.AddBatch("hourly", "@hourly", noop)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "hourly", jobs[0].Name)
	assert.Equal(t, "@hourly", jobs[0].Spec)
	assert.Equal(t, "nightly", jobs[1].Name)
	assert.True(t, jobs[1].NextRun.After(time.Now()))
	assert.Zero(t, jobs[1].Runs)
}

func TestRemove(t *testing.T) {
	s := New(logging.Nop())
	id, err := s.AddBatch("daily", "@daily", noop)
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))
	assert.Empty(t, s.Jobs())
	assert.True(t, errors.IsCode(s.Remove(id), errors.CodeValidation))
	assert.True(t, errors.IsCode(s.Trigger(uuid.New()), errors.CodeValidation))
}

func TestScheduledRunFires(t *testing.T) {
	s := New(logging.Nop())
	var runs atomic.Int32

	_, err := s.AddBatch("fast", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestTrigger_RecordsOutcome(t *testing.T) {
	s := New(logging.Nop())

	id, err := s.AddBatch("failing", "@daily", func(context.Context) error {
		return fmt.Errorf("engine missing")
	})
	require.NoError(t, err)

	require.NoError(t, s.Trigger(id))
	assert.Eventually(t, func() bool {
		jobs := s.Jobs()
		return jobs[0].Runs == 1 && !jobs[0].Running
	}, time.Second, 10*time.Millisecond)

	job := s.Jobs()[0]
	assert.Equal(t, "engine missing", job.LastError)
	assert.False(t, job.LastRun.IsZero())
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(logging.Nop())
	release := make(chan struct{})
	var calls atomic.Int32

	id, err := s.AddBatch("slow", "@daily", func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Trigger(id))
	require.Eventually(t, func() bool { return s.Jobs()[0].Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Trigger(id))
	time.Sleep(100 * time.Millisecond)
	close(release)

	assert.Eventually(t, func() bool { return s.Jobs()[0].Runs == 1 && !s.Jobs()[0].Running },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopCancelsRunningBatch(t *testing.T) {
	s := New(logging.Nop())
	started := make(chan struct{})
	var once sync.Once
	var sawCancel atomic.Bool

	_, err := s.AddBatch("long", "@every 1s", func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled batch did not start")
	}

	s.Stop()
	assert.True(t, sawCancel.Load())
	s.Stop()
}

func TestPanickingRunIsRecovered(t *testing.T) {
	s := New(logging.Nop())
	id, err := s.AddBatch("boom", "@daily", func(context.Context) error { panic("boom") })
	require.NoError(t, err)

	require.NoError(t, s.Trigger(id))
	assert.Eventually(t, func() bool { return s.Jobs()[0].Runs == 1 }, time.Second, 10*time.Millisecond)

	job := s.Jobs()[0]
	assert.False(t, job.Running)
	assert.Contains(t, job.LastError, "panicked: boom")
}
