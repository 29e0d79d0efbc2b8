// Package kvstore provides TTL key-value stores for throttle counters.
package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// entry is a counter with an optional expiry. A zero expiresAt never expires.
type entry struct {
	value     int64
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process TTL store. Expired entries are invisible immediately
// and removed by a background janitor.
type Memory struct {
	mu    sync.Mutex
	items map[string]*entry
	now   func() time.Time

	done chan struct{}
	once sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates a memory store. When cleanupInterval is positive a janitor
// goroutine prunes expired entries until ctx is done or Close is called.
func NewMemory(ctx context.Context, cleanupInterval time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]*entry),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cleanupInterval > 0 {
		go m.cleanup(ctx, cleanupInterval)
	}
	return m
}

// lookup returns the live entry for key, deleting it if expired.
// Caller must hold m.mu.
func (m *Memory) lookup(key string) (*entry, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.items, key)
		return nil, false
	}
	return e, true
}

// Exists reports whether key holds a live entry.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key)
	return ok, nil
}

// Get returns the counter value for key.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return 0, errors.Wrap(errors.ErrKeyNotFound, "Memory", "Get", strconv.Quote(key))
	}
	return e.value, nil
}

// Incr increments the counter for key, creating a non-expiring entry with
// value 1 if absent. The TTL of an existing entry is kept.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		m.items[key] = &entry{value: 1}
		return 1, nil
	}
	e.value++
	return e.value, nil
}

// SetWithTTL stores value under key for ttl. A non-positive ttl never expires.
func (m *Memory) SetWithTTL(_ context.Context, key string, value int64, ttl time.Duration) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Memory", "SetWithTTL", "key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

// TTL returns the remaining lifetime of key. It returns -1 for entries without
// expiry and -2 for missing keys, matching Redis.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return -2, nil
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Memory) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.items {
		if e.expired(now) {
			delete(m.items, key)
		}
	}
}
