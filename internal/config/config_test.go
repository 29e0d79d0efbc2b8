package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate/internal/errors"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.Secret = "s3cret"
	return cfg
}

// TestDefault tests that the defaults only miss the secret
func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret is required")
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, cfg.Server.TrustProxyHeaders)

	assert.NoError(t, validConfig().Validate())
}

// TestLoad tests overlaying a YAML file on the defaults
func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kephasgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_addr: ":9000"
  tcp_addr: ":9001"
auth:
  secret: from-file
  token_ttl: 2h
throttle:
  window: 30s
broker:
  backend: nats
  nats_url: nats://nats:4222
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9001", cfg.Server.TCPAddr)
	assert.Equal(t, "from-file", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.Throttle.Window)
	assert.Equal(t, BackendNATS, cfg.Broker.Backend)
	assert.Equal(t, "nats://nats:4222", cfg.Broker.NATSURL)

	// untouched sections keep their defaults
	assert.Equal(t, 60, cfg.Throttle.RequestsPerMinute)
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath)
	assert.NoError(t, cfg.Validate())
}

// TestLoadErrors tests unreadable and malformed files
func TestLoadErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("server:\n  bogus: 1\n"), 0o600))
	_, err = Load(unknown)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestApplyEnv tests environment overrides
func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"KEPHASGATE_AUTH_SECRET":         "from-env",
		"KEPHASGATE_TOKEN_TTL":           "1h",
		"KEPHASGATE_REQUESTS_PER_MINUTE": "5",
		"KEPHASGATE_THROTTLE_BACKEND":    "redis",
		"KEPHASGATE_REDIS_ADDR":          "redis:6379",
		"KEPHASGATE_STORE_BACKEND":       "postgres",
		"KEPHASGATE_STORE_DSN":           "postgres://localhost/kephasgate",
		"KEPHASGATE_LOG_LEVEL":           "debug",
		"KEPHASGATE_TRUST_PROXY_HEADERS": "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 5, cfg.Throttle.RequestsPerMinute)
	assert.Equal(t, BackendRedis, cfg.Throttle.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Server.TrustProxyHeaders)
	assert.True(t, cfg.UsesRedis())
	assert.NoError(t, cfg.Validate())

	bad := Default()
	err := bad.ApplyEnv(func(k string) (string, bool) {
		if k == "KEPHASGATE_TOKEN_TTL" {
			return "forever", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEPHASGATE_TOKEN_TTL")
}

// TestValidate tests the individual checks
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "missing http addr", mutate: func(c *Config) { c.Server.HTTPAddr = "" }, want: "server.http_addr"},
		{name: "negative gzip", mutate: func(c *Config) { c.Server.GzipThreshold = -1 }, want: "server.gzip_threshold"},
		{name: "relative ws path", mutate: func(c *Config) { c.Server.WebSocketPath = "ws" }, want: "server.websocket_path"},
		{name: "unknown throttle backend", mutate: func(c *Config) { c.Throttle.Backend = "etcd" }, want: "throttle.backend"},
		{name: "zero window", mutate: func(c *Config) { c.Throttle.Window = 0 }, want: "throttle.window"},
		{name: "zero rpm", mutate: func(c *Config) { c.Throttle.RequestsPerMinute = 0 }, want: "throttle.requests_per_minute"},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker.Backend = "kafka" }, want: "broker.backend"},
		{name: "redis without addr", mutate: func(c *Config) { c.Broker.Backend = BackendRedis; c.Redis.Addr = "" }, want: "redis.addr"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = BackendPostgres }, want: "store.dsn"},
		{name: "zero burst", mutate: func(c *Config) { c.WebSocket.Burst = 0 }, want: "websocket.messages_per_second"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestEncode tests that an encoded config decodes back to the same values
func TestEncode(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	data, err := cfg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), "token_ttl: 168h0m0s")

	decoded := Default()
	require.NoError(t, decoded.Decode(data))
	assert.Equal(t, cfg, decoded)
}
