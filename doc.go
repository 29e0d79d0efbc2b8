// Package kephasgate provides a multi-transport application server for HTTP APIs and
// real-time WebSocket and TCP clients.
//
// Every HTTP request runs through the same dispatch pipeline, and every WebSocket or
// TCP frame is a command envelope handled by a shared command dispatcher. Broadcasts
// reach subscribed connections on this process and, through a broker, on every peer
// process.
//
// # Architecture
//
// HTTP requests are resolved by a router that compiles path templates such as
// /users/{id} into matchers. Literal routes always win over pattern routes. A matched
// request then moves through a fixed sequence of states:
//
//	illegal-check -> preflight -> route-resolve -> throttle -> authenticate -> validate -> invoke -> finalize
//
// Each stage may terminate the call with a response; exactly one terminal response is
// produced per request. Stages are enabled per route through RouteConfig.
//
// Connections are tracked by a registry that indexes subscriptions by connection and
// by channel. The registry only stores connection ids. Connections are resolved on
// demand, and ids whose connection is gone are pruned.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasgate"
//	    "github.com/luciancaetano/kephasgate/app"
//	)
//
//	cfg, _ := app.LoadConfig("kephasgate.yaml")
//	srv, err := app.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//
//	srv.Handle(http.MethodGet, "/hello/{name}", kephasgate.HandlerFunc(
//	    func(ctx context.Context, call *kephasgate.Call) (*kephasgate.Response, error) {
//	        return kephasgate.Message(http.StatusOK, "hello "+call.Binding("name")), nil
//	    }), kephasgate.RouteConfig{UseThrottle: true, RequestsPerMinute: 30})
//
//	srv.Start(ctx)
//
// # Command Protocol
//
// WebSocket text frames and TCP frames carry JSON command envelopes:
//
//	{"id": "<uuid>", "action": "subscribe", "channels": ["room"]}
//	{"id": "<uuid>", "action": "unsubscribe", "channels": ["room"]}
//	{"id": "<uuid>", "action": "broadcast", "channels": ["room"], "data": {...}}
//	{"id": "<uuid>", "action": "broadcast_all", "data": {...}}
//
// Every command is answered with an acknowledgement:
//
//	{"action": "ack", "id": "<uuid>", "message": "...", "status": 200, "data": {...}}
//
// Malformed envelopes and unknown actions are answered with status 422.
//
// TCP frames are length prefixed:
//
//	[4 bytes: payload length (uint32, big-endian)][N bytes: JSON payload]
//
// Maximum payload: 10MB.
//
// # Rate Limiting
//
// HTTP routes use a fixed-window counter per method, path and client address, kept in
// memory or in Redis so that every node shares the same counters. Denied requests get
// 429 with a Retry-After header.
//
// WebSocket and TCP connections additionally have a per-connection token bucket
// (default 100 messages/second, burst 200). When it is exceeded, WebSocket clients
// receive close code 1008 (Policy Violation) and TCP clients receive a 429 ack before
// the connection is closed.
//
// # Security Features
//
//   - HMAC-SHA256 signed bearer tokens with expiry
//   - Request bodies of protected routes are redacted in the audit log
//   - Maximum payload: 10MB (prevents OOM)
//   - Read timeout: 60s (prevents hanging)
//   - Write timeout: 10s (prevents slow clients)
//   - Origin validation for WebSocket upgrades
//
// # Important
//
//   - Handlers must be safe for concurrent use
//   - A response is discarded, never written, when the client went away before finalize
//   - Sends to one connection are serialized through a 256-message queue
//   - A connection whose queue is full is dropped; Send never blocks on a slow peer
//   - X-Forwarded-For is only trusted with server.trust_proxy_headers
package kephasgate
