package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

// Redis relays messages through Redis Pub/Sub.
type Redis struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedis creates a broker on client. The client is owned by the caller.
func NewRedis(client redis.UniversalClient, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger}
}

// Publish implements Broker.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.WrapTransient(err, "Redis", "Publish", "publish message")
	}
	return nil
}

// Subscribe implements Broker.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapFatal(errors.ErrNoConnection, "Redis", "Subscribe", "broker closed")
	}

	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so messages published right after
	// Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return errors.WrapTransient(err, "Redis", "Subscribe", "confirm subscription")
	}
	r.subs = append(r.subs, pubsub)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, []byte(msg.Payload))
			case <-ctx.Done():
				pubsub.Close()
				return
			}
		}
	}()
	return nil
}

// Close implements Broker.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()

	if firstErr != nil {
		r.logger.Debug("Error closing redis subscription", zap.Error(firstErr))
	}
	return nil
}
