// Package tcp serves command connections over raw TCP.
//
// Each frame is a 4-byte big-endian length followed by a JSON command
// envelope. Acknowledgements and broadcast events are written back using the
// same framing.
package tcp

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/errors"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

const closeTimeout = time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	Dispatcher      *protocol.Dispatcher
	RateLimitConfig *protocol.RateLimitConfig
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Server accepts plain connections and runs one session per connection.
type Server struct {
	dispatcher      *protocol.Dispatcher
	rateLimitConfig *protocol.RateLimitConfig
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	conns    sync.Map // map[string]*Conn
	wg       sync.WaitGroup
}

// New creates a TCP server. A nil RateLimitConfig uses
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
		logger:          logger,
		metrics:         cfg.Metrics,
	}
}

// Listen binds addr. Serve must be called to accept connections.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "TCPServer", "Listen", "bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "TCPServer", "Listen", "bind "+addr)
	}
	s.listener = ln
	s.logger.Info("TCP listener started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called. It returns nil after a
// clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "TCPServer", "Serve", "accept")
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.WrapTransient(err, "TCPServer", "Serve", "accept")
		}

		s.accept(nc)
	}
}

func (s *Server) accept(nc net.Conn) {
	conn := NewConn(nc, s.rateLimitConfig)
	s.conns.Store(conn.ID(), conn)

	reg := s.dispatcher.Registry()
	reg.Arena().Attach(conn)
	reg.Register(conn.ID())
	s.metrics.ConnectionOpened(kephasgate.ModePlain.String())
	logging.Connection(s.logger, conn.ID(), conn.RemoteAddr(), kephasgate.ModePlain.String(), "accepted")

	s.wg.Add(1)
	go s.handleConn(conn)
}

// handleConn reads frames until the peer disconnects or breaks the protocol
func (s *Server) handleConn(conn *Conn) {
	defer s.wg.Done()
	defer func() {
		reg := s.dispatcher.Registry()
		reg.Unregister(conn.ID())
		reg.Arena().Detach(conn.ID())
		s.conns.Delete(conn.ID())

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		conn.Close(ctx)
		cancel()

		s.metrics.ConnectionClosed(kephasgate.ModePlain.String())
		logging.Connection(s.logger, conn.ID(), conn.RemoteAddr(), kephasgate.ModePlain.String(), "closed")
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				s.logger.Debug("TCP read failed", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}

		if !conn.CheckRateLimit() {
			s.logger.Warn("Rate limit exceeded",
				zap.String("conn_id", conn.ID()),
				zap.String("remote_addr", conn.RemoteAddr()),
			)
			ack := protocol.Ack{
				Action:  kephasgate.ActionAck,
				Message: kephasgate.MsgTooManyRequests,
				Status:  http.StatusTooManyRequests,
			}
			conn.Send(conn.Context(), ack.Encode())
			return
		}

		ack := s.dispatcher.Handle(conn.Context(), conn.ID(), frame)
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

// Close stops the listener, closes every connection and waits for the
// sessions to end or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	s.conns.Range(func(_, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.Close(ctx)
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
