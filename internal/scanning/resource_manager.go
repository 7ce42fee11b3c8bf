package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ResourceManager bounds how many engine processes run at once, across
// every batch sharing the engine.
type ResourceManager interface {
	// Acquire blocks until a slot is available or the context is cancelled.
	Acquire(ctx context.Context, scanID string) error

	// Release releases the slot held by scanID.
	Release(scanID string)

	// ActiveScans returns the current number of held slots.
	ActiveScans() int

	// AvailableSlots returns the number of free slots.
	AvailableSlots() int

	// Close rejects further acquisitions.
	Close() error
}

// FixedResourceManager implements ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity    int
	semaphore   chan struct{}
	activeScans map[string]time.Time
	mutex       sync.RWMutex
	closed      bool
}

// NewFixedResourceManager creates a new resource manager with the specified capacity.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedResourceManager{
		capacity:    capacity,
		semaphore:   make(chan struct{}, capacity),
		activeScans: make(map[string]time.Time),
	}
}

// Acquire attempts to acquire a resource slot for the given scan ID.
func (rm *FixedResourceManager) Acquire(ctx context.Context, scanID string) error {
	rm.mutex.RLock()
	closed := rm.closed
	_, dup := rm.activeScans[scanID]
	rm.mutex.RUnlock()
	if closed {
		return fmt.Errorf("resource manager is closed")
	}
	if dup {
		return fmt.Errorf("scan %s already holds a slot", scanID)
	}

	select {
	case rm.semaphore <- struct{}{}:
		rm.mutex.Lock()
		rm.activeScans[scanID] = time.Now()
		rm.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases the resource slot for the given scan ID.
func (rm *FixedResourceManager) Release(scanID string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.activeScans[scanID]; !exists {
		return
	}
	delete(rm.activeScans, scanID)

	select {
	case <-rm.semaphore:
	default:
	}
}

// ActiveScans returns the current number of active scans.
func (rm *FixedResourceManager) ActiveScans() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return len(rm.activeScans)
}

// AvailableSlots returns the number of available resource slots.
func (rm *FixedResourceManager) AvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return rm.capacity - len(rm.activeScans)
}

// Close marks the manager closed and forgets held slots.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.closed {
		return nil
	}
	rm.closed = true
	rm.activeScans = make(map[string]time.Time)

	for {
		select {
		case <-rm.semaphore:
		default:
			return nil
		}
	}
}
