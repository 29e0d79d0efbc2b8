package kephasgate

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Server defines a multi-transport application server.
//
// HTTP requests are resolved through the router and run through the dispatch
// pipeline, WebSocket and TCP frames are treated as command envelopes.
//
// Example usage:
//
//	srv, err := app.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//
//	srv.Handle(http.MethodGet, "/users/{id}", showUser, kephasgate.RouteConfig{UseAuth: true})
//	srv.Start(ctx)
type Server interface {
	// Start starts every configured listener.
	// The server keeps running until Stop is called or the context is cancelled.
	//
	// Returns an error if the server is already running or if a listener
	// cannot bind to its address.
	Start(ctx context.Context) error

	// Stop gracefully stops all listeners and closes live connections.
	Stop(ctx context.Context) error

	// Handle registers a handler for the method and path template.
	//
	// The template may contain {name} placeholders, their values are handed to
	// the handler as bindings. Literal routes always win over pattern routes
	// that match the same path.
	//
	// Returns an error if the template is invalid (for example a duplicated
	// placeholder) or if the handler declares unknown validation rules.
	//
	// Example:
	//
	//	srv.Handle(http.MethodPost, "/channels/{channel}/broadcast", broadcast, kephasgate.RouteConfig{
	//	    UseAuth:           true,
	//	    UseThrottle:       true,
	//	    UseValidate:       true,
	//	    RequestsPerMinute: 30,
	//	})
	Handle(method, template string, handler Handler, cfg RouteConfig) error
}

// Handler is a unit of business logic invoked by the dispatch pipeline.
//
// Handlers must be safe for concurrent use: a single instance serves every
// request routed to it.
type Handler interface {
	// Rules returns the validation rules applied to the request body when the
	// route enables validation. A nil map means no attribute is checked.
	Rules() Rules

	// Invoke produces the response for a call.
	//
	// A returned error that is not a dispatch error is reported to the client
	// as an internal server error, its message is never exposed.
	Invoke(ctx context.Context, call *Call) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface with no rules.
type HandlerFunc func(ctx context.Context, call *Call) (*Response, error)

// Rules implements Handler.
func (f HandlerFunc) Rules() Rules { return nil }

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, call *Call) (*Response, error) {
	return f(ctx, call)
}

// Rules maps an attribute name to a comma-separated rule list, for example
//
//	kephasgate.Rules{"*": "is_object", "email": "is_string", "password": "is_string,confirmed"}
type Rules map[string]string

// RouteConfig selects the pipeline stages that run for a route.
type RouteConfig struct {
	UseAuth        bool
	UseThrottle    bool
	UseValidate    bool
	ProtectLogging bool
	// RequestsPerMinute is the throttle limit. Zero uses the server default.
	RequestsPerMinute int
}

// Identity is the authenticated caller decoded from a bearer token.
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
}

// Request is a transport-neutral HTTP request.
type Request struct {
	Method     string
	Path       string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	Received   time.Time
}

// Response is the terminal result of a dispatch.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Discarded is set when the caller went away before the response could be
	// finalized. Transport adapters must not write a discarded response.
	Discarded bool
}

// Call carries the per-call parameters handed to a Handler.
type Call struct {
	Request  *Request
	Body     any
	Identity *Identity
	Bindings map[string]string
	Start    time.Time
}

// Binding returns the path binding with the given name, or "".
func (c *Call) Binding(name string) string {
	if c.Bindings == nil {
		return ""
	}
	return c.Bindings[name]
}

// Object returns the parsed body as a JSON object, or nil when the body is
// not an object.
func (c *Call) Object() map[string]any {
	obj, _ := c.Body.(map[string]any)
	return obj
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// JSON returns a response whose body is the JSON encoding of v.
func JSON(status int, v any) *Response {
	resp := NewResponse(status)
	body, err := json.Marshal(v)
	if err != nil {
		resp.Status = http.StatusInternalServerError
		body = []byte(`{"message":"` + MsgInternalError + `"}`)
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp
}

// Message returns a JSON response of the form {"message": msg}.
func Message(status int, msg string) *Response {
	return JSON(status, map[string]string{"message": msg})
}

// Mode is the transport mode of a connection.
type Mode int

const (
	// ModePlain is a raw TCP connection.
	ModePlain Mode = iota
	// ModeUpgraded is an HTTP connection upgraded to WebSocket.
	ModeUpgraded
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeUpgraded:
		return "upgraded"
	default:
		return "unknown"
	}
}

// Conn represents a live transport endpoint that can receive events.
//
// The connection registry only ever indexes connection ids; a Conn is owned by
// its transport session and resolved on demand.
type Conn interface {
	// ID returns the unique identifier assigned when the connection was accepted.
	ID() string

	// RemoteAddr returns the peer address in "host:port" form.
	RemoteAddr() string

	// Mode returns the transport mode of the connection.
	Mode() Mode

	// Send queues an encoded message for delivery.
	//
	// Writes are serialized per connection: concurrent calls enqueue rather
	// than interleave bytes. Returns an error if the connection is closed.
	Send(ctx context.Context, payload []byte) error

	// IsAlive returns true while the connection is open.
	IsAlive() bool
}
