package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate/internal/kvstore"
)

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

// TestFixedWindow tests the allow/deny sequence across one window
func TestFixedWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kvstore.NewMemory(ctx, 0, kvstore.WithClock(clock.Now))
	defer store.Close()

	limiter := New(store, time.Minute)
	key := Key("GET", "/ping", "10.0.0.1")
	assert.Equal(t, "GET:/ping:10.0.0.1", key)

	for i := 1; i <= 5; i++ {
		d, err := limiter.Allow(ctx, key, 5)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should be allowed", i)
		assert.Equal(t, int64(i), d.Count)
	}

	clock.Advance(20 * time.Second)
	d, err := limiter.Allow(ctx, key, 5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	clock.Advance(40 * time.Second)
	d, err = limiter.Allow(ctx, key, 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

// TestKeysAreIndependent tests that distinct clients have distinct windows
func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kvstore.NewMemory(ctx, 0)
	limiter := New(store, 0)
	assert.Equal(t, DefaultWindow, limiter.Window())

	d, _ := limiter.Allow(ctx, Key("GET", "/a", "1.1.1.1"), 1)
	assert.True(t, d.Allowed)
	d, _ = limiter.Allow(ctx, Key("GET", "/a", "1.1.1.1"), 1)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	d, _ = limiter.Allow(ctx, Key("GET", "/a", "2.2.2.2"), 1)
	assert.True(t, d.Allowed)
}

// TestZeroLimitDeniesFirstCall tests the degenerate limit
func TestZeroLimitDeniesFirstCall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := New(kvstore.NewMemory(ctx, 0), time.Minute)

	d, err := limiter.Allow(ctx, "k", 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

type failingStore struct{}

func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingStore) Get(context.Context, string) (int64, error)  { return 0, nil }
func (failingStore) Incr(context.Context, string) (int64, error) { return 0, nil }
func (failingStore) SetWithTTL(context.Context, string, int64, time.Duration) error {
	return nil
}
func (failingStore) TTL(context.Context, string) (time.Duration, error) { return 0, nil }

// TestStoreErrors tests that store failures are reported
func TestStoreErrors(t *testing.T) {
	t.Parallel()

	_, err := New(failingStore{}, time.Minute).Allow(context.Background(), "k", 5)
	assert.Error(t, err)
}
