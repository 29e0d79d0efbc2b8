package tcp

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	idleTimeout   = 60 * time.Second
)

// Conn is a plain TCP connection exchanging length-prefixed frames. It
// implements kephasgate.Conn.
type Conn struct {
	id          string
	conn        net.Conn
	reader      *bufio.Reader
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool
	sending     atomic.Bool
	rateLimiter *rate.Limiter
}

// NewConn wraps an accepted connection and starts its writer.
func NewConn(conn net.Conn, rateLimitConfig *protocol.RateLimitConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:          uuid.New().String(),
		conn:        conn,
		reader:      bufio.NewReader(conn),
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		rateLimiter: rateLimitConfig.NewLimiter(),
	}

	go c.writeLoop()

	return c
}

// ID returns the unique identifier of the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Mode implements kephasgate.Conn.
func (c *Conn) Mode() kephasgate.Mode {
	return kephasgate.ModePlain
}

// Context returns the connection's lifecycle context
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues one frame for the writer without blocking. When the queue is
// full the peer is not keeping up and the connection is dropped.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return stderrors.New(kephasgate.ErrConnectionClosed)
	}
	if c.ctx.Err() != nil {
		return stderrors.New(kephasgate.ErrContextCancelled)
	}

	select {
	case c.sendCh <- payload:
		return nil
	default:
		c.cancel()
		c.conn.Close()
		return stderrors.New(kephasgate.ErrSendQueueFull)
	}
}

// Sending reports whether a frame is being written right now.
func (c *Conn) Sending() bool {
	return c.sending.Load()
}

// ReadFrame blocks for the next inbound frame. The idle deadline is reset on
// every call.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	return protocol.ReadFrame(c.reader)
}

// CheckRateLimit reports whether another inbound command is allowed
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// Close stops the writer after it drains queued frames, or when ctx expires,
// and closes the socket.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
	}
	c.cancel()
	return c.conn.Close()
}

// IsAlive returns true if the connection is still open and its writer has
// not failed.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.ctx.Err() == nil
}

func (c *Conn) writeLoop() {
	defer close(c.done)

	for {
		select {
		case payload, ok := <-c.sendCh:
			if !ok {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.sending.Store(true)
			err := protocol.WriteFrame(c.conn, payload)
			c.sending.Store(false)
			if err != nil {
				c.cancel()
				c.conn.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
