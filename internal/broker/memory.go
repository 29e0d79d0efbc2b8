package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

const memoryQueueSize = 256

type memorySub struct {
	channel string
	handler Handler
	queue   chan []byte
	done    chan struct{}
}

// Memory is an in-process broker. Each subscription drains its own queue in
// a goroutine so publishers never run handlers.
type Memory struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewMemory creates an in-process broker.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{logger: logger, subs: make(map[*memorySub]struct{})}
}

// Publish implements Broker. A subscriber whose queue is full misses the
// message.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return errors.WrapFatal(errors.ErrNoConnection, "Memory", "Publish", "broker closed")
	}

	for sub := range m.subs {
		if sub.channel != channel {
			continue
		}
		select {
		case sub.queue <- append([]byte(nil), payload...):
		default:
			m.logger.Warn("Dropped broker message, subscriber queue full", zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.WrapFatal(errors.ErrNoConnection, "Memory", "Subscribe", "broker closed")
	}

	sub := &memorySub{
		channel: channel,
		handler: handler,
		queue:   make(chan []byte, memoryQueueSize),
		done:    make(chan struct{}),
	}
	m.subs[sub] = struct{}{}

	m.wg.Add(1)
	go m.run(ctx, sub)
	return nil
}

func (m *Memory) run(ctx context.Context, sub *memorySub) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}()

	for {
		select {
		case payload := <-sub.queue:
			sub.handler(ctx, payload)
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		}
	}
}

// Close implements Broker.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		close(sub.done)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
