// Package broker carries broadcast events between server processes over a
// shared publish/subscribe channel.
//
// Delivery is best-effort and at-most-once. Implementations are provided for
// an in-process bus (single node and tests), Redis Pub/Sub and NATS core.
package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Handler receives the raw payload of a message published on a channel.
type Handler func(ctx context.Context, payload []byte)

// Broker publishes and subscribes to named channels.
type Broker interface {
	// Publish sends payload to every subscriber of channel, including
	// subscribers in the publishing process.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for channel. The subscription lasts until
	// ctx is cancelled or the broker is closed.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// Close releases every subscription and the underlying connection.
	Close() error
}

// Options configures Open.
type Options struct {
	Backend string
	// Redis is used by the redis backend.
	Redis redis.UniversalClient
	// NATSURL is used by the nats backend.
	NATSURL string
	Logger  *zap.Logger
}

// Open creates the broker selected by opts.Backend.
func Open(opts Options) (Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemory(logger), nil
	case BackendRedis:
		if opts.Redis == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Broker", "Open", "redis client")
		}
		return NewRedis(opts.Redis, logger), nil
	case BackendNATS:
		url := opts.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		return NewNATS(url, logger)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown backend %q", errors.ErrInvalidConfig, opts.Backend),
			"Broker", "Open", "select backend")
	}
}
