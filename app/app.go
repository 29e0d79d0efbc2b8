// Package app is the public entry point for embedding the server.
//
// Example:
//
//	cfg, err := app.LoadConfig("kephasgate.yaml")
//	if err != nil {
//	    return err
//	}
//	srv, err := app.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	srv.Handle(http.MethodGet, "/hello/{name}", hello, kephasgate.RouteConfig{UseThrottle: true})
//	srv.Start(ctx)
package app

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/server"
)

type Config = config.Config
type Option = server.Option
type Server = server.Server

var _ kephasgate.Server = (*server.Server)(nil)

// DefaultConfig returns the built-in configuration. An auth secret must be
// set before it is usable.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads the YAML file at path, which may be empty, and applies
// KEPHASGATE_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds the logger described by cfg.Log.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// New creates a server with the built-in routes. Call Start to serve.
func New(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	return server.New(ctx, cfg, logger, opts...)
}

// WithoutControllers creates the server without the built-in routes.
func WithoutControllers() Option {
	return server.WithoutControllers()
}
