// Package server composes the application server from its configuration.
//
// New builds every collaborator once: the TTL store behind the throttle, the
// user and audit store, the broker, the connection registry and the command
// dispatcher. They are passed explicitly to the kernel and the transports.
// Start binds the HTTP listener, which serves the WebSocket upgrade path,
// /metrics, /healthz and the dispatch pipeline, and the optional TCP listener.
package server

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/broker"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/controllers"
	"github.com/luciancaetano/kephasgate/internal/errors"
	"github.com/luciancaetano/kephasgate/internal/kernel"
	"github.com/luciancaetano/kephasgate/internal/kvstore"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/router"
	"github.com/luciancaetano/kephasgate/internal/store"
	"github.com/luciancaetano/kephasgate/internal/tcp"
	"github.com/luciancaetano/kephasgate/internal/throttle"
	"github.com/luciancaetano/kephasgate/internal/websocket"
)

const (
	readHeaderTimeout = 10 * time.Second
	kvCleanupInterval = time.Minute
)

// Option configures New.
type Option func(*options)

type options struct {
	metrics  *metrics.Metrics
	store    store.Store
	kv       throttle.Store
	broker   broker.Broker
	builtins bool
}

// WithMetrics uses m instead of a fresh metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore uses s instead of the configured store backend.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithThrottleStore uses s instead of the configured throttle backend.
func WithThrottleStore(s throttle.Store) Option {
	return func(o *options) { o.kv = s }
}

// WithBroker uses b instead of the configured broker backend. It lets
// several servers in one process share an in-memory broker.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithoutControllers skips the built-in routes.
func WithoutControllers() Option {
	return func(o *options) { o.builtins = false }
}

// Server is a running application server.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	router     *router.Router
	kernel     *kernel.Kernel
	auth       *auth.Authenticator
	registry   *registry.Registry
	dispatcher *protocol.Dispatcher
	relay      *protocol.Relay
	ws         *websocket.Server
	tcp        *tcp.Server
	mux        chi.Router

	store   store.Store
	broker  broker.Broker
	closers []io.Closer

	mu       sync.Mutex
	running  bool
	http     *http.Server
	httpAddr net.Addr
	cancel   context.CancelFunc
	stopped  chan struct{}
	serving  sync.WaitGroup
}

// New builds a server from cfg. cfg must pass Validate.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &options{builtins: true}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{cfg: cfg, logger: logger, metrics: o.metrics}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	ok := false
	defer func() {
		if !ok {
			s.closeAll()
		}
	}()

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client)
		rdb = client
	}

	kv := o.kv
	if kv == nil {
		switch cfg.Throttle.Backend {
		case config.BackendRedis:
			kv = kvstore.NewRedis(rdb, cfg.Redis.Prefix)
		default:
			mem := kvstore.NewMemory(ctx, kvCleanupInterval)
			s.closers = append(s.closers, mem)
			kv = mem
		}
	}

	s.store = o.store
	if s.store == nil {
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	s.closers = append(s.closers, s.store)

	s.broker = o.broker
	if s.broker == nil {
		b, err := broker.Open(broker.Options{
			Backend: cfg.Broker.Backend,
			Redis:   rdb,
			NATSURL: cfg.Broker.NATSURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		s.broker = b
		s.closers = append(s.closers, b)
	}

	a, err := auth.New([]byte(cfg.Auth.Secret), auth.WithTTL(cfg.Auth.TokenTTL))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Server", "New", "create authenticator")
	}
	s.auth = a

	s.router = router.New()
	s.kernel = kernel.New(s.router,
		kernel.WithLimiter(throttle.New(kv, cfg.Throttle.Window)),
		kernel.WithAuthenticator(a),
		kernel.WithRecorder(s.store),
		kernel.WithLogger(logger),
		kernel.WithMetrics(s.metrics),
		kernel.WithConfig(kernel.Config{
			ServerName:               cfg.Server.Name,
			GzipThreshold:            cfg.Server.GzipThreshold,
			DefaultRequestsPerMinute: cfg.Throttle.RequestsPerMinute,
			AllowedOrigin:            cfg.Server.AllowedOrigin,
		}),
	)

	s.registry = registry.New(registry.NewArena(), logger)
	s.dispatcher = protocol.NewDispatcher(s.registry, protocol.DispatcherConfig{
		ServerID: cfg.Server.ServerID,
		Channel:  cfg.Broker.Channel,
		Broker:   s.broker,
		Logger:   logger,
		Metrics:  s.metrics,
	})
	s.relay = protocol.NewRelay(s.dispatcher)

	rl := rateLimit(cfg.WebSocket)
	var checkOrigin websocket.CheckOriginFn
	if cfg.WebSocket.AllowAllOrigins {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s.ws = websocket.New(&websocket.ServerConfig{
		Dispatcher:      s.dispatcher,
		RateLimitConfig: rl,
		CheckOrigin:     checkOrigin,
		Logger:          logger,
		Metrics:         s.metrics,
	})
	if cfg.Server.TCPAddr != "" {
		s.tcp = tcp.New(&tcp.ServerConfig{
			Dispatcher:      s.dispatcher,
			RateLimitConfig: rl,
			Logger:          logger,
			Metrics:         s.metrics,
		})
	}

	if o.builtins {
		if err := controllers.Register(s.router.Add, controllers.Deps{
			Users:       s.store,
			Auth:        a,
			Broadcaster: s.dispatcher,
			Stats:       s.registry,
			Logger:      logger,
		}); err != nil {
			return nil, err
		}
	}

	s.mux = s.routes()
	ok = true
	return s, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Backend != config.BackendPostgres {
		return store.NewMemory(cfg.AuditLimit), nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func rateLimit(cfg config.WebSocketConfig) *protocol.RateLimitConfig {
	if !cfg.RateLimit {
		return protocol.NoRateLimit()
	}
	return &protocol.RateLimitConfig{
		MessagesPerSecond: rate.Limit(cfg.MessagesPerSecond),
		Burst:             cfg.Burst,
		Enabled:           true,
	}
}

// Handle registers an application handler. Routes may be added before or
// after Start.
func (s *Server) Handle(method, template string, handler kephasgate.Handler, cfg kephasgate.RouteConfig) error {
	return s.router.Add(method, template, handler, cfg)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Kernel returns the dispatch pipeline.
func (s *Server) Kernel() *kernel.Kernel {
	return s.kernel
}

// Dispatcher returns the connection command dispatcher.
func (s *Server) Dispatcher() *protocol.Dispatcher {
	return s.dispatcher
}

// Authenticator returns the bearer token authenticator.
func (s *Server) Authenticator() *auth.Authenticator {
	return s.auth
}

// Start binds the listeners and serves in the background. The server stops
// when Stop is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(stderrors.New(kephasgate.ErrServerAlreadyRunning), "Server", "Start", "start")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.relay.Start(runCtx); err != nil {
		cancel()
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "Server", "Start", "bind "+s.cfg.Server.HTTPAddr)
	}

	if s.tcp != nil {
		if err := s.tcp.Listen(s.cfg.Server.TCPAddr); err != nil {
			ln.Close()
			cancel()
			return err
		}
		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			if err := s.tcp.Serve(); err != nil {
				s.logger.Error("TCP listener failed", zap.Error(err))
			}
		}()
	}

	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	s.httpAddr = ln.Addr()
	s.serving.Add(1)
	go func(srv *http.Server) {
		defer s.serving.Done()
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP listener failed", zap.Error(err))
		}
	}(s.http)

	s.running = true
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func(stopped chan struct{}) {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				s.logger.Warn("Shutdown incomplete", zap.Error(err))
			}
		case <-stopped:
		}
	}(s.stopped)

	s.logger.Info("Server started",
		zap.String("http_addr", s.httpAddr.String()),
		zap.String("tcp_addr", s.cfg.Server.TCPAddr),
		zap.String("server_id", s.dispatcher.ServerID()),
	)
	return nil
}

// HTTPAddr returns the bound HTTP address, or nil when not running.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.httpAddr
}

// TCPAddr returns the bound TCP address, or nil when the listener is disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Stop shuts the listeners down, closes live connections, waits for pending
// audit writes and releases every backend. A stopped server cannot be
// restarted.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopped)
	httpSrv := s.http
	cancel := s.cancel
	s.mu.Unlock()

	var errs []error
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.ws.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.tcp != nil {
		if err := s.tcp.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	cancel()
	s.serving.Wait()
	s.kernel.Wait()
	s.closeAll()

	s.logger.Info("Server stopped")
	if err := stderrors.Join(errs...); err != nil {
		return errors.Wrap(err, "Server", "Stop", "shutdown")
	}
	return nil
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("Failed to release backend", zap.Error(err))
		}
	}
	s.closers = nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.metrics.Handler())
	r.Handle(s.cfg.Server.WebSocketPath, s.ws)
	r.HandleFunc("/*", s.dispatch)
	return r
}
