// Package kernel runs HTTP requests through the dispatch pipeline.
//
// Every request walks an explicit state machine:
//
//	Illegal -> Preflight -> RouteResolve -> Throttle -> Authenticate -> Validate -> Invoke -> Finalize -> Done
//
// A stage either advances to the next one or terminates the call with a
// response. A call terminates exactly once; Finalize and Done always run.
package kernel

import (
	"bytes"
	"compress/gzip"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/router"
	"github.com/luciancaetano/kephasgate/internal/store"
	"github.com/luciancaetano/kephasgate/internal/throttle"
	"github.com/luciancaetano/kephasgate/internal/validator"
)

// Default configuration values.
const (
	DefaultServerName        = "kephasgate"
	DefaultGzipThreshold     = 1024
	DefaultRequestsPerMinute = 60
	DefaultAllowedOrigin     = "*"

	auditTimeout = 5 * time.Second
	redacted     = "[protected]"
)

// State is a stage of the dispatch state machine.
type State int

const (
	StateIllegal State = iota
	StatePreflight
	StateRouteResolve
	StateThrottle
	StateAuthenticate
	StateValidate
	StateInvoke
	StateFinalize
	StateDone
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIllegal:
		return "illegal"
	case StatePreflight:
		return "preflight"
	case StateRouteResolve:
		return "route_resolve"
	case StateThrottle:
		return "throttle"
	case StateAuthenticate:
		return "authenticate"
	case StateValidate:
		return "validate"
	case StateInvoke:
		return "invoke"
	case StateFinalize:
		return "finalize"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config holds the kernel settings.
type Config struct {
	ServerName string
	// GzipThreshold is the body size above which responses are compressed for
	// clients that accept gzip. Zero or less disables compression.
	GzipThreshold int
	// DefaultRequestsPerMinute applies to throttled routes without a limit.
	DefaultRequestsPerMinute int
	AllowedOrigin            string
}

// DefaultConfig returns the default kernel configuration.
func DefaultConfig() Config {
	return Config{
		ServerName:               DefaultServerName,
		GzipThreshold:            DefaultGzipThreshold,
		DefaultRequestsPerMinute: DefaultRequestsPerMinute,
		AllowedOrigin:            DefaultAllowedOrigin,
	}
}

// Kernel dispatches requests. It is safe for concurrent use.
type Kernel struct {
	router   *router.Router
	limiter  *throttle.Limiter
	auth     *auth.Authenticator
	recorder store.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time

	audits sync.WaitGroup
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLimiter sets the rate limiter used by throttled routes.
func WithLimiter(l *throttle.Limiter) Option {
	return func(k *Kernel) { k.limiter = l }
}

// WithAuthenticator sets the authenticator used by protected routes.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(k *Kernel) { k.auth = a }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r store.Recorder) Option {
	return func(k *Kernel) { k.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(k *Kernel) { k.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) {
		if now != nil {
			k.now = now
		}
	}
}

// New creates a kernel dispatching through r.
func New(r *router.Router, opts ...Option) *Kernel {
	k := &Kernel{
		router: r,
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.cfg.ServerName == "" {
		k.cfg.ServerName = DefaultServerName
	}
	if k.cfg.DefaultRequestsPerMinute <= 0 {
		k.cfg.DefaultRequestsPerMinute = DefaultRequestsPerMinute
	}
	if k.cfg.AllowedOrigin == "" {
		k.cfg.AllowedOrigin = DefaultAllowedOrigin
	}
	return k
}

// Router returns the router the kernel dispatches through.
func (k *Kernel) Router() *router.Router {
	return k.router
}

// Wait blocks until in-flight audit writes have finished.
func (k *Kernel) Wait() {
	k.audits.Wait()
}

// call is the per-request state carried through the machine.
type call struct {
	ctx        context.Context
	req        *kephasgate.Request
	state      State
	start      time.Time
	requestID  string
	match      *router.Match
	params     *kephasgate.Call
	resp       *kephasgate.Response
	terminated bool
}

// terminate records the terminal response and moves the call to Finalize.
// It reports false, and changes nothing, when the call already terminated.
func (c *call) terminate(resp *kephasgate.Response) bool {
	if c.terminated {
		return false
	}
	c.terminated = true
	c.resp = resp
	c.state = StateFinalize
	return true
}

func (c *call) fail(err *Error) {
	c.terminate(err.Response())
}

// Dispatch runs req through the pipeline and returns its terminal response.
//
// If ctx is cancelled before the response is finalized, the returned response
// is marked Discarded and must not be written.
func (k *Kernel) Dispatch(ctx context.Context, req *kephasgate.Request) *kephasgate.Response {
	c := &call{
		ctx:       ctx,
		req:       req,
		state:     StateIllegal,
		start:     k.now(),
		requestID: req.Header.Get("X-Request-Id"),
	}
	if c.requestID == "" {
		c.requestID = uuid.NewString()
	}
	if !req.Received.IsZero() {
		c.start = req.Received
	}

	for c.state != StateDone {
		switch c.state {
		case StateIllegal:
			k.checkLegal(c)
		case StatePreflight:
			k.preflight(c)
		case StateRouteResolve:
			k.resolve(c)
		case StateThrottle:
			k.throttle(c)
		case StateAuthenticate:
			k.authenticate(c)
		case StateValidate:
			k.validate(c)
		case StateInvoke:
			k.invoke(c)
		case StateFinalize:
			k.finalize(c)
			c.state = StateDone
		default:
			c.fail(errHandlerFault())
		}
	}
	return c.resp
}

func (k *Kernel) checkLegal(c *call) {
	path := c.req.Path
	if path == "" || !strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		c.fail(errMalformed())
		return
	}
	c.state = StatePreflight
}

func (k *Kernel) preflight(c *call) {
	if c.req.Method != http.MethodOptions {
		c.state = StateRouteResolve
		return
	}

	methods := k.router.AllowedMethods(c.req.Path)
	if len(methods) == 0 {
		c.fail(errMethodNotAllowed())
		return
	}

	allow := strings.Join(methods, ", ")
	resp := kephasgate.NewResponse(http.StatusOK)
	resp.Header.Set("Allow", allow)
	resp.Header.Set("Access-Control-Allow-Methods", allow)
	resp.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
	resp.Header.Set("Access-Control-Max-Age", "86400")
	c.terminate(resp)
}

func (k *Kernel) resolve(c *call) {
	match, ok := k.router.Find(c.req.Method, c.req.Path)
	if !ok {
		c.fail(errNotFound())
		return
	}
	c.match = match
	c.params = &kephasgate.Call{
		Request:  c.req,
		Bindings: match.Bindings,
		Start:    c.start,
	}
	c.state = StateThrottle
}

func (k *Kernel) throttle(c *call) {
	cfg := c.match.Route.Config
	if !cfg.UseThrottle || k.limiter == nil {
		c.state = StateAuthenticate
		return
	}

	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = k.cfg.DefaultRequestsPerMinute
	}

	key := throttle.Key(c.req.Method, stripQuery(c.req.Path), clientHost(c.req.RemoteAddr))
	decision, err := k.limiter.Allow(c.ctx, key, limit)
	if err != nil {
		k.logger.Warn("Throttle store unavailable, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		c.state = StateAuthenticate
		return
	}
	if !decision.Allowed {
		k.metrics.Throttled()
		c.fail(errRateLimited(decision.RetryAfter))
		return
	}
	c.state = StateAuthenticate
}

func (k *Kernel) authenticate(c *call) {
	if !c.match.Route.Config.UseAuth {
		c.state = StateValidate
		return
	}
	if k.auth == nil {
		k.logger.Error("Protected route without authenticator", zap.String("route", c.match.Route.Template()))
		c.fail(errUnauthorized())
		return
	}

	header := c.req.Header.Get("Authorization")
	if header == "" {
		c.fail(errUnauthorized())
		return
	}

	identity, err := k.auth.FromBearer(header)
	if err != nil {
		k.logger.Debug("Bearer token rejected", zap.String("request_id", c.requestID), zap.Error(err))
		c.fail(errUnauthorized())
		return
	}
	c.params.Identity = identity
	c.state = StateValidate
}

func (k *Kernel) validate(c *call) {
	route := c.match.Route
	if !route.Config.UseValidate {
		// Unvalidated routes still get a best-effort parsed body.
		if len(c.req.Body) > 0 {
			if body, err := validator.Decode(c.req.Body); err == nil {
				c.params.Body = body
			}
		}
		c.state = StateInvoke
		return
	}

	body, err := validator.Decode(c.req.Body)
	if err != nil {
		c.fail(ValidationError(map[string][]string{validator.RootAttribute: {validator.MsgInvalidJSON}}))
		return
	}

	res := validator.Validate(route.Handler.Rules(), body)
	if !res.Success {
		c.fail(ValidationError(res.Errors))
		return
	}
	c.params.Body = body
	c.state = StateInvoke
}

func (k *Kernel) invoke(c *call) {
	resp, err := k.safeInvoke(c)
	if err != nil {
		var de *Error
		if stderrors.As(err, &de) {
			c.fail(de)
			return
		}
		k.logger.Error("Handler failed",
			zap.String("request_id", c.requestID),
			zap.String("route", c.match.Route.Template()),
			zap.Error(err),
		)
		c.fail(errHandlerFault())
		return
	}
	if resp == nil {
		resp = kephasgate.NewResponse(http.StatusNoContent)
	}
	c.terminate(resp)
}

// safeInvoke converts a handler panic into an error.
func (k *Kernel) safeInvoke(c *call) (resp *kephasgate.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Handler panicked",
				zap.String("request_id", c.requestID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			resp = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.match.Route.Handler.Invoke(c.ctx, c.params)
}

func (k *Kernel) finalize(c *call) {
	resp := c.resp
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}

	if c.ctx.Err() != nil {
		resp.Discarded = true
		k.logger.Debug("Caller went away, response discarded",
			zap.String("request_id", c.requestID),
			zap.String("path", c.req.Path),
		)
		return
	}

	elapsed := k.now().Sub(c.start)
	ms := float64(elapsed.Microseconds()) / 1000

	resp.Header.Set("Server", k.cfg.ServerName)
	resp.Header.Set("X-Request-Id", c.requestID)
	resp.Header.Set("X-Response-Time", fmt.Sprintf("%.3fms", ms))
	resp.Header.Set("Server-Timing", fmt.Sprintf("app;dur=%.3f", ms))
	resp.Header.Set("Access-Control-Allow-Origin", k.cfg.AllowedOrigin)

	plain := resp.Body
	k.compress(c, resp)

	route := "unmatched"
	if c.match != nil {
		route = c.match.Route.Template()
	}
	k.metrics.ObserveRequest(c.req.Method, route, resp.Status, elapsed)
	logging.Request(k.logger, c.req.Method, c.req.Path, resp.Status, len(resp.Body), ms, c.req.RemoteAddr)

	k.audit(c, resp.Status, plain, elapsed)
}

func (k *Kernel) compress(c *call, resp *kephasgate.Response) {
	if k.cfg.GzipThreshold <= 0 || len(resp.Body) <= k.cfg.GzipThreshold {
		return
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return
	}
	if !strings.Contains(c.req.Header.Get("Accept-Encoding"), "gzip") {
		return
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(resp.Body); err != nil {
		k.logger.Warn("Failed to compress response", zap.Error(err))
		return
	}
	if err := zw.Close(); err != nil {
		k.logger.Warn("Failed to compress response", zap.Error(err))
		return
	}

	resp.Body = buf.Bytes()
	resp.Header.Set("Content-Encoding", "gzip")
	resp.Header.Add("Vary", "Accept-Encoding")
}

// audit records the request in the background. Failures are logged and never
// affect the response.
func (k *Kernel) audit(c *call, status int, respBody []byte, elapsed time.Duration) {
	if k.recorder == nil {
		return
	}

	entry := &store.RequestEntry{
		ID:           uuid.New(),
		Method:       c.req.Method,
		Path:         c.req.Path,
		Status:       status,
		ClientAddr:   clientHost(c.req.RemoteAddr),
		RequestBody:  string(c.req.Body),
		ResponseBody: string(respBody),
		Duration:     elapsed,
		CreatedAt:    c.start,
	}
	if c.params != nil && c.params.Identity != nil {
		id := c.params.Identity.ID
		entry.UserID = &id
	}
	if c.match != nil && c.match.Route.Config.ProtectLogging {
		entry.RequestBody = redacted
		entry.ResponseBody = redacted
	}

	k.audits.Add(1)
	go func() {
		defer k.audits.Done()

		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()

		if err := k.recorder.RecordRequest(ctx, entry); err != nil {
			k.logger.Warn("Failed to record request", zap.String("request_id", c.requestID), zap.Error(err))
		}
	}()
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// clientHost drops the port from a "host:port" address. Addresses without a
// port, bare IPv6 included, are returned whole.
func clientHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
