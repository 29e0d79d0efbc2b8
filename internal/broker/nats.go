package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

const natsMessageTimeout = 30 * time.Second

// NATS relays messages over NATS core subjects.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects to url.
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("kephasgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATS", "NewNATS", "connect")
	}
	return &NATS{conn: conn, logger: logger}, nil
}

// Publish implements Broker.
func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	if !n.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "NATS", "Publish", "publish message")
	}
	if err := n.conn.Publish(channel, payload); err != nil {
		return errors.WrapTransient(err, "NATS", "Publish", "publish message")
	}
	return nil
}

// Subscribe implements Broker. Each message handler gets a context derived
// from ctx with a processing timeout.
func (n *NATS) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, natsMessageTimeout)
		defer cancel()

		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATS", "Subscribe", "subscribe")
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Close implements Broker.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	n.conn.Close()
	return nil
}
