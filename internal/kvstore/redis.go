package kvstore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// Redis is a TTL store backed by a Redis server. Counters written here are
// shared by every server process using the same Redis database.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. prefix is prepended to every key.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, errors.WrapTransient(err, "Redis", "Exists", "EXISTS")
	}
	return n > 0, nil
}

// Get returns the counter stored under key.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int64()
	if stderrors.Is(err, redis.Nil) {
		return 0, errors.Wrap(errors.ErrKeyNotFound, "Redis", "Get", "GET")
	}
	if err != nil {
		return 0, errors.WrapTransient(err, "Redis", "Get", "GET")
	}
	return n, nil
}

// Incr increments the counter stored under key.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "Redis", "Incr", "INCR")
	}
	return n, nil
}

// SetWithTTL stores value under key with an expiry.
func (r *Redis) SetWithTTL(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "Redis", "SetWithTTL", "SET")
	}
	return nil
}

// TTL returns the remaining lifetime of key (-1 no expiry, -2 missing).
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "Redis", "TTL", "TTL")
	}
	return ttl, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "Redis", "Ping", "PING")
	}
	return nil
}
