// Package websocket serves command connections upgraded from HTTP.
//
// Every text frame a client sends is a command envelope handled by the
// protocol dispatcher; the acknowledgement is written back as a text frame.
// Broadcast events reach the client through the same write pump.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after the handshake completes and the connection is
// registered, before the read loop starts.
type OnConnectFn = func(conn *Conn)

// OnDisconnectFn is called when a connection ends. voluntary is true when the
// client closed the connection.
type OnDisconnectFn = func(conn *Conn, voluntary bool)

// ServerConfig configures a Server.
type ServerConfig struct {
	Dispatcher      *protocol.Dispatcher
	RateLimitConfig *protocol.RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Server upgrades HTTP requests and runs one session per connection. It is an
// http.Handler meant to be mounted on the WebSocket path.
type Server struct {
	dispatcher *protocol.Dispatcher
	conns      sync.Map // map[string]*Conn

	rateLimitConfig *protocol.RateLimitConfig

	mu           sync.RWMutex
	closing      bool
	wg           sync.WaitGroup
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnDisconnectFn
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// New creates a WebSocket server. A nil RateLimitConfig uses
// protocol.DefaultRateLimitConfig().
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = protocol.DefaultRateLimitConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher:      cfg.Dispatcher,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnDisconnect,
		logger:          logger,
		metrics:         cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ServeHTTP upgrades the request and starts the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Upgrade writes its own error response on failure.
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := NewConn(ws, r.RemoteAddr, s.rateLimitConfig)
	s.conns.Store(conn.ID(), conn)

	reg := s.dispatcher.Registry()
	reg.Arena().Attach(conn)
	reg.Register(conn.ID())
	s.metrics.ConnectionOpened(kephasgate.ModeUpgraded.String())
	logging.Connection(s.logger, conn.ID(), conn.RemoteAddr(), kephasgate.ModeUpgraded.String(), "accepted")

	s.wg.Add(1)
	go s.handleConn(conn)
}

// handleConn reads commands from a connection until it closes
func (s *Server) handleConn(conn *Conn) {
	defer s.wg.Done()
	defer func() {
		voluntary := conn.Context().Err() == nil

		reg := s.dispatcher.Registry()
		reg.Unregister(conn.ID())
		reg.Arena().Detach(conn.ID())
		s.conns.Delete(conn.ID())
		conn.Close(context.Background())

		s.metrics.ConnectionClosed(kephasgate.ModeUpgraded.String())
		logging.Connection(s.logger, conn.ID(), conn.RemoteAddr(), kephasgate.ModeUpgraded.String(), "closed")
		if s.onDisconnect != nil {
			s.onDisconnect(conn, voluntary)
		}
	}()

	// Set read deadline to prevent indefinite blocking
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))

	// Set pong handler to reset read deadline on pong
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if s.onConnect != nil {
		s.onConnect(conn)
	}

	for {
		msgType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Unexpected WebSocket close", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}

		// Reset read deadline after successful read
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !conn.CheckRateLimit() {
			s.logger.Warn("Rate limit exceeded",
				zap.String("conn_id", conn.ID()),
				zap.String("remote_addr", conn.RemoteAddr()),
			)
			conn.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, kephasgate.MsgTooManyRequests)
			return
		}

		if msgType != websocket.TextMessage {
			conn.CloseWithCode(context.Background(), websocket.CloseUnsupportedData, kephasgate.MsgInvalidCommand)
			return
		}

		ack := s.dispatcher.Handle(conn.Context(), conn.ID(), data)
		if err := conn.Send(conn.Context(), ack.Encode()); err != nil {
			return
		}
	}
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops accepting upgrades, closes every connection and waits for the
// sessions to end or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.conns.Range(func(_, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
