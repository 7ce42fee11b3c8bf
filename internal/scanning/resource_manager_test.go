package scanning

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedResourceManager_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		rm := NewFixedResourceManager(5)

		require.NoError(t, rm.Acquire(context.Background(), "scan-1"))
		assert.Equal(t, 1, rm.ActiveScans())
		assert.Equal(t, 4, rm.AvailableSlots())

		rm.Release("scan-1")
		assert.Equal(t, 0, rm.ActiveScans())
	})

	t.Run("resource exhaustion", func(t *testing.T) {
		rm := NewFixedResourceManager(2)
		ctx := context.Background()

		require.NoError(t, rm.Acquire(ctx, "scan-1"))
		require.NoError(t, rm.Acquire(ctx, "scan-2"))

		ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rm.Acquire(ctx3, "scan-3"), context.DeadlineExceeded)

		rm.Release("scan-1")
		require.NoError(t, rm.Acquire(ctx, "scan-3"))
	})

	t.Run("duplicate scan id", func(t *testing.T) {
		rm := NewFixedResourceManager(2)
		require.NoError(t, rm.Acquire(context.Background(), "same"))
		assert.Error(t, rm.Acquire(context.Background(), "same"))
	})

	t.Run("closed manager", func(t *testing.T) {
		rm := NewFixedResourceManager(1)
		require.NoError(t, rm.Close())
		assert.Error(t, rm.Acquire(context.Background(), "late"))
		assert.NoError(t, rm.Close())
	})

	t.Run("non-positive capacity becomes one", func(t *testing.T) {
		rm := NewFixedResourceManager(0)
		assert.Equal(t, 1, rm.AvailableSlots())
	})
}

func TestFixedResourceManager_ReleaseUnknown(t *testing.T) {
	rm := NewFixedResourceManager(2)
	rm.Release("non-existent-scan")
	assert.Equal(t, 0, rm.ActiveScans())
	assert.Equal(t, 2, rm.AvailableSlots())
}

func TestFixedResourceManager_ConcurrentAccess(t *testing.T) {
	const capacity = 3
	rm := NewFixedResourceManager(capacity)

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			scanID := fmt.Sprintf("scan-%d", id)
			if err := rm.Acquire(context.Background(), scanID); err != nil {
				t.Errorf("acquire %s: %v", scanID, err)
				return
			}
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
			rm.Release(scanID)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(capacity))
	assert.Equal(t, 0, rm.ActiveScans())
}
