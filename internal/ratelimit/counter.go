package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is one fixed-window counter touched by a request.
type Window struct {
	Key   string
	Limit int
	TTL   time.Duration
}

// CounterStore holds fixed-window request counters.
type CounterStore interface {
	// IncrementIfBelow checks every window and, only if all are below their
	// limit, increments all of them. Expiry is set when a counter is created.
	// The check and the increments happen as one atomic step.
	IncrementIfBelow(ctx context.Context, windows []Window) (bool, error)

	// Get returns the current count for each key, zero when absent.
	Get(ctx context.Context, keys []string) ([]int64, error)
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// MemoryCounter is an in-process CounterStore for single-node deployments
// without Redis. Counters are not shared between processes.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	ops     int
}

// NewMemoryCounter creates an empty MemoryCounter. now may be nil.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{entries: make(map[string]memoryEntry), now: now}
}

// IncrementIfBelow implements CounterStore.
func (m *MemoryCounter) IncrementIfBelow(_ context.Context, windows []Window) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybePrune(now)

	for _, w := range windows {
		if m.current(w.Key, now) >= int64(w.Limit) {
			return false, nil
		}
	}
	for _, w := range windows {
		e, ok := m.entries[w.Key]
		if !ok || !now.Before(e.expires) {
			e = memoryEntry{expires: now.Add(w.TTL)}
		}
		e.count++
		m.entries[w.Key] = e
	}
	return true, nil
}

// Get implements CounterStore.
func (m *MemoryCounter) Get(_ context.Context, keys []string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = m.current(k, now)
	}
	return out, nil
}

func (m *MemoryCounter) current(key string, now time.Time) int64 {
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expires) {
		return 0
	}
	return e.count
}

// maybePrune drops expired counters every 1024 increments.
func (m *MemoryCounter) maybePrune(now time.Time) {
	m.ops++
	if m.ops%1024 != 0 {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
