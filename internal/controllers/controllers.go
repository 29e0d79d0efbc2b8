// Package controllers contains the HTTP handlers served by the dispatch
// kernel.
package controllers

import (
	"context"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/registry"
	"github.com/luciancaetano/kephasgate/internal/store"
)

// Broadcaster fans data out to channel subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, id string, channels []string, data map[string]any) (int, error)
}

// StatsSource reports connection registry statistics.
type StatsSource interface {
	Stats() registry.Stats
}

// HandleFunc registers a handler on a route.
type HandleFunc func(method, template string, handler kephasgate.Handler, cfg kephasgate.RouteConfig) error

// Deps are the collaborators shared by the controllers.
type Deps struct {
	Users       store.Users
	Auth        *auth.Authenticator
	Broadcaster Broadcaster
	Stats       StatsSource
	Logger      *zap.Logger
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// counter is a best-effort call counter embedded by every controller.
type counter struct {
	calls atomic.Uint64
}

func (c *counter) hit() {
	c.calls.Add(1)
}

// Calls returns how many times the controller was invoked.
func (c *counter) Calls() uint64 {
	return c.calls.Load()
}

// Register wires every controller through handle.
func Register(handle HandleFunc, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.BcryptCost == 0 {
		deps.BcryptCost = bcrypt.DefaultCost
	}

	routes := []struct {
		method   string
		template string
		handler  kephasgate.Handler
		cfg      kephasgate.RouteConfig
	}{
		{http.MethodGet, "/ping", &Ping{}, kephasgate.RouteConfig{}},
		{http.MethodPost, "/users", &RegisterUser{deps: deps}, kephasgate.RouteConfig{
			UseThrottle: true, UseValidate: true, ProtectLogging: true, RequestsPerMinute: 10,
		}},
		{http.MethodPost, "/auth/token", &IssueToken{deps: deps}, kephasgate.RouteConfig{
			UseThrottle: true, UseValidate: true, ProtectLogging: true, RequestsPerMinute: 10,
		}},
		{http.MethodGet, "/users/me", &CurrentUser{deps: deps}, kephasgate.RouteConfig{UseAuth: true}},
		{http.MethodGet, "/users/{id}", &ShowUser{deps: deps}, kephasgate.RouteConfig{UseAuth: true}},
		{http.MethodPost, "/channels/{channel}/broadcast", &ChannelBroadcast{deps: deps}, kephasgate.RouteConfig{
			UseAuth: true, UseThrottle: true, UseValidate: true,
		}},
		{http.MethodGet, "/connections", &Connections{deps: deps}, kephasgate.RouteConfig{UseAuth: true}},
	}

	for _, r := range routes {
		if err := handle(r.method, r.template, r.handler, r.cfg); err != nil {
			return err
		}
	}
	return nil
}
