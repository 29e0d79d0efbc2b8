// Package logging builds the zap loggers used across the server.
//
// Loggers are constructed once at startup and passed to the components that
// need them:
//
//	logger, err := logging.New("info", "console")
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// An empty level yields a no-op logger, which is also what tests use.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New creates a logger for level ("debug", "info", "warn", "error") using the
// console or json encoder. An empty level returns a no-op logger.
func New(level, format string) (*zap.Logger, error) {
	if level == "" {
		return zap.NewNop(), nil
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var config zap.Config
	switch format {
	case "", FormatConsole:
		config = zap.Config{
			Encoding:      "console",
			EncoderConfig: zap.NewDevelopmentEncoderConfig(),
		}
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case FormatJSON:
		config = zap.Config{
			Encoding:      "json",
			EncoderConfig: zap.NewProductionEncoderConfig(),
		}
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Connection logs a connection lifecycle event.
func Connection(logger *zap.Logger, id, remoteAddr, mode, event string) {
	logger.Info("Connection event",
		zap.String("conn_id", id),
		zap.String("remote_addr", remoteAddr),
		zap.String("mode", mode),
		zap.String("event", event),
	)
}

// Request logs a finalized HTTP dispatch.
func Request(logger *zap.Logger, method, path string, status, size int, duration float64, clientAddr string) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Int("size", size),
		zap.Float64("duration_ms", duration),
		zap.String("client_addr", clientAddr),
	}

	switch {
	case status >= 500:
		logger.Error("HTTP request", fields...)
	case status >= 400:
		logger.Warn("HTTP request", fields...)
	default:
		logger.Info("HTTP request", fields...)
	}
}
