// Package throttle implements a fixed-window request counter backed by a TTL
// key-value store.
//
// The first request for a key creates a counter with the window length as TTL.
// Later requests increment it until the store expires the entry, at which point
// a fresh window starts. Bursts at window boundaries can reach twice the limit.
package throttle

import (
	"context"
	"time"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// DefaultWindow is the window length used when none is configured.
const DefaultWindow = time.Minute

// Store is the TTL key-value store the limiter keeps its counters in.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	SetWithTTL(ctx context.Context, key string, value int64, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool
	// Count is the number of requests seen in the current window.
	Count int64
	// RetryAfter is the remaining window length when the request is denied.
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter.
type Limiter struct {
	store  Store
	window time.Duration
}

// New creates a limiter over store. A non-positive window uses DefaultWindow.
func New(store Store, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, window: window}
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Key builds the counter key for a request.
func Key(method, path, clientAddr string) string {
	return method + ":" + path + ":" + clientAddr
}

// Allow counts one request against key and reports whether it fits in limit.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	exists, err := l.store.Exists(ctx, key)
	if err != nil {
		return Decision{}, errors.WrapTransient(err, "Limiter", "Allow", "check counter")
	}

	if !exists {
		if err := l.store.SetWithTTL(ctx, key, 1, l.window); err != nil {
			return Decision{}, errors.WrapTransient(err, "Limiter", "Allow", "start window")
		}
		return Decision{Allowed: 1 <= int64(limit), Count: 1, RetryAfter: l.retryAfter(ctx, key, 1, limit)}, nil
	}

	// Read and increment are not atomic together; a concurrent request may
	// slip through near the limit.
	if _, err := l.store.Get(ctx, key); err != nil {
		return Decision{}, errors.WrapTransient(err, "Limiter", "Allow", "read counter")
	}
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, errors.WrapTransient(err, "Limiter", "Allow", "increment counter")
	}

	if count <= int64(limit) {
		return Decision{Allowed: true, Count: count}, nil
	}
	return Decision{Allowed: false, Count: count, RetryAfter: l.retryAfter(ctx, key, count, limit)}, nil
}

// retryAfter reads the remaining TTL for a denied key. Unknown or expired TTLs
// are reported as one second so clients always get a positive hint.
func (l *Limiter) retryAfter(ctx context.Context, key string, count int64, limit int) time.Duration {
	if count <= int64(limit) {
		return 0
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return time.Second
	}
	return ttl
}
