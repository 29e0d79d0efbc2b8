package websocket

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
)

// Conn is an upgraded connection. It implements kephasgate.Conn.
type Conn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	sending     atomic.Bool
	rateLimiter *rate.Limiter // Rate limiter for incoming commands
}

// NewConn wraps an upgraded connection and starts its write pump.
func NewConn(conn *websocket.Conn, remoteAddr string, rateLimitConfig *protocol.RateLimitConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendQueueSize),
		rateLimiter: rateLimitConfig.NewLimiter(),
	}

	go c.writePump()

	return c
}

// ID returns the unique identifier of the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Mode implements kephasgate.Conn.
func (c *Conn) Mode() kephasgate.Mode {
	return kephasgate.ModeUpgraded
}

// Context returns the connection's lifecycle context
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues a text frame without blocking. Concurrent calls enqueue in call
// order; the write pump is the only writer. A connection whose queue is full
// is a slow consumer: it is closed with 1013 and the send fails.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return stderrors.New(kephasgate.ErrConnectionClosed)
	}
	if c.ctx.Err() != nil {
		c.mu.RUnlock()
		return stderrors.New(kephasgate.ErrContextCancelled)
	}

	select {
	case c.sendCh <- payload:
		c.mu.RUnlock()
		return nil
	default:
	}
	c.mu.RUnlock()

	go c.CloseWithCode(context.Background(), websocket.CloseTryAgainLater, kephasgate.ErrSendQueueFull)
	return stderrors.New(kephasgate.ErrSendQueueFull)
}

// Sending reports whether a frame is being written right now.
func (c *Conn) Sending() bool {
	return c.sending.Load()
}

// Close closes the connection
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
// The close frame is written before the write pump stops.
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	c.cancel()
	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still open
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit reports whether another inbound command is allowed
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			c.sending.Store(true)
			err := c.conn.WriteMessage(websocket.TextMessage, message)
			c.sending.Store(false)
			if err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
