package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestMemoryBasicOperations tests set, get, incr and ttl
func TestMemoryBasicOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(ctx, 0, WithClock(clock.Now))
	defer m.Close()

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(ctx, "k")
	assert.Error(t, err)

	require.NoError(t, m.SetWithTTL(ctx, "k", 1, time.Minute))
	ok, _ = m.Exists(ctx, "k")
	assert.True(t, ok)

	n, err := m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(15 * time.Second)
	ttl, err := m.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, ttl)

	assert.Error(t, m.SetWithTTL(ctx, "", 1, time.Second))
}

// TestMemoryExpiry tests that entries vanish once their ttl elapses
func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(ctx, 0, WithClock(clock.Now))
	defer m.Close()

	require.NoError(t, m.SetWithTTL(ctx, "k", 5, time.Second))
	clock.Advance(time.Second)

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, _ := m.TTL(ctx, "k")
	assert.Equal(t, time.Duration(-2), ttl)

	n, _ := m.Incr(ctx, "fresh")
	assert.Equal(t, int64(1), n)
	ttl, _ = m.TTL(ctx, "fresh")
	assert.Equal(t, time.Duration(-1), ttl)
}

// TestMemoryJanitor tests background pruning
func TestMemoryJanitor(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemory(ctx, 10*time.Millisecond)
	defer m.Close()

	require.NoError(t, m.SetWithTTL(ctx, "short", 1, 20*time.Millisecond))
	require.NoError(t, m.SetWithTTL(ctx, "long", 1, time.Hour))

	assert.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 10*time.Millisecond)
}
