package kvstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisIntegration runs against a real server when KEPHASGATE_TEST_REDIS is set
func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("KEPHASGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("KEPHASGATE_TEST_REDIS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store := NewRedis(client, "test:"+uuid.NewString()+":")
	require.NoError(t, store.Ping(ctx))

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetWithTTL(ctx, "k", 1, 10*time.Second))
	n, err := store.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = store.Get(ctx, "missing")
	assert.Error(t, err)
}
