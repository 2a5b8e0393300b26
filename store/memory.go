package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards          = 32
	defaultCleanupInterval = time.Minute
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// Memory is an in-memory implementation of Store.
//
// Keys are spread across lock-striped shards chosen by an xxhash of the key,
// so requests for different identifiers rarely wait on each other while the
// read-decide-write for a single identifier stays atomic.
//
// WARNING: state lives in this process only. It is lost on restart and is not
// shared between instances; behind several replicas every replica enforces its
// own limit. Use the Redis store when the limit must hold across instances.
type Memory struct {
	shards   []*memoryShard
	now      func() time.Time
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now. Intended for tests that need to move across
// window boundaries deterministically.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithShards sets the number of lock stripes (default: 32).
func WithShards(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.shards = newShards(n)
		}
	}
}

// WithCleanupInterval sets how often expired windows are swept (default: one
// minute). Zero disables the background sweep; windows are then only ever
// replaced in place.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.interval = d
	}
}

// NewMemory creates an in-memory store.
//
// Unless disabled with WithCleanupInterval(0), a background goroutine removes
// expired windows to bound memory growth. Call Close() to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shards:   newShards(defaultShards),
		now:      time.Now,
		interval: defaultCleanupInterval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.interval > 0 {
		go m.cleanup()
	}
	return m
}

func newShards(n int) []*memoryShard {
	shards := make([]*memoryShard, n)
	for i := range shards {
		shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	return shards
}

func (m *Memory) shard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Take admits or refuses one request for key under the fixed-window rules
// documented on Store. A request arriving exactly at ResetAt still belongs to
// the current window.
//
// The context is accepted for interface compatibility; in-memory operations
// complete immediately and cannot be cancelled.
func (m *Memory) Take(_ context.Context, key string, limit int64, window time.Duration) (Window, error) {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := m.now()
	entry, exists := sh.entries[key]

	if !exists || now.After(entry.resetAt) {
		entry = &memoryEntry{
			count:   1,
			resetAt: now.Add(window),
		}
		sh.entries[key] = entry
		return Window{Count: 1, ResetAt: entry.resetAt}, nil
	}

	if entry.count >= limit {
		return Window{Count: entry.count, ResetAt: entry.resetAt, Limited: true}, nil
	}

	entry.count++
	return Window{Count: entry.count, ResetAt: entry.resetAt}, nil
}

// Get retrieves the current count for the given key without consuming.
// Returns 0 if the key doesn't exist or its window has passed.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, exists := sh.entries[key]
	if !exists || m.now().After(entry.resetAt) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the window for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.entries, key)
	return nil
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// len reports the number of stored windows, expired or not.
func (m *Memory) len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// runCleanup removes every window whose reset time has passed.
// One shard is locked at a time.
func (m *Memory) runCleanup() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		now := m.now()
		for key, entry := range sh.entries {
			if now.After(entry.resetAt) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
