// Package config loads the server configuration.
//
// Values come from three layers applied in order: built-in defaults, an
// optional YAML file and KEPHASGATE_* environment variables. Command line
// flags are applied last by the CLI.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/errors"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KEPHASGATE_"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener and response settings.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// TCPAddr enables the plain TCP listener when set.
	TCPAddr string `yaml:"tcp_addr"`
	// ServerID tags messages relayed between processes. Random when empty.
	ServerID        string        `yaml:"server_id"`
	Name            string        `yaml:"name"`
	GzipThreshold   int           `yaml:"gzip_threshold"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	WebSocketPath   string        `yaml:"websocket_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// AuthConfig holds the bearer token settings.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ThrottleConfig holds the HTTP rate limit settings.
type ThrottleConfig struct {
	Backend           string        `yaml:"backend"`
	Window            time.Duration `yaml:"window"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// RedisConfig is shared by the redis throttle store and broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BrokerConfig selects the cross-process broadcast channel.
type BrokerConfig struct {
	Backend string `yaml:"backend"`
	Channel string `yaml:"channel"`
	NATSURL string `yaml:"nats_url"`
}

// StoreConfig selects the user and audit store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	// AuditLimit bounds the audit entries kept by the memory store.
	AuditLimit int `yaml:"audit_limit"`
}

// WebSocketConfig holds the per-connection inbound rate limit shared by the
// WebSocket and TCP transports.
type WebSocketConfig struct {
	RateLimit         bool    `yaml:"rate_limit"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
	AllowAllOrigins   bool    `yaml:"allow_all_origins"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration. It has no auth secret, so it
// does not pass Validate on its own.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			Name:            "kephasgate",
			GzipThreshold:   1024,
			AllowedOrigin:   "*",
			WebSocketPath:   "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 7 * 24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			Backend:           BackendMemory,
			Window:            time.Minute,
			RequestsPerMinute: 60,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "kephasgate:",
		},
		Broker: BrokerConfig{
			Backend: BackendMemory,
			Channel: kephasgate.DefaultBrokerChannel,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			AuditLimit: 1000,
		},
		WebSocket: WebSocketConfig{
			RateLimit:         true,
			MessagesPerSecond: 100,
			Burst:             200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read "+path)
	}

	if err := cfg.Decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML data onto cfg.
func (c *Config) Decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Decode", "parse yaml")
	}
	return nil
}

// Encode returns cfg as YAML.
func (c *Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}

type envVar struct {
	name  string
	apply func(c *Config, value string) error
}

var envVars = []envVar{
	{"HTTP_ADDR", func(c *Config, v string) error { c.Server.HTTPAddr = v; return nil }},
	{"TCP_ADDR", func(c *Config, v string) error { c.Server.TCPAddr = v; return nil }},
	{"SERVER_ID", func(c *Config, v string) error { c.Server.ServerID = v; return nil }},
	{"ALLOWED_ORIGIN", func(c *Config, v string) error { c.Server.AllowedOrigin = v; return nil }},
	{"TRUST_PROXY_HEADERS", func(c *Config, v string) error { return parseBool(v, &c.Server.TrustProxyHeaders) }},
	{"AUTH_SECRET", func(c *Config, v string) error { c.Auth.Secret = v; return nil }},
	{"TOKEN_TTL", func(c *Config, v string) error { return parseDuration(v, &c.Auth.TokenTTL) }},
	{"THROTTLE_BACKEND", func(c *Config, v string) error { c.Throttle.Backend = v; return nil }},
	{"THROTTLE_WINDOW", func(c *Config, v string) error { return parseDuration(v, &c.Throttle.Window) }},
	{"REQUESTS_PER_MINUTE", func(c *Config, v string) error { return parseInt(v, &c.Throttle.RequestsPerMinute) }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	{"BROKER_BACKEND", func(c *Config, v string) error { c.Broker.Backend = v; return nil }},
	{"BROKER_CHANNEL", func(c *Config, v string) error { c.Broker.Channel = v; return nil }},
	{"NATS_URL", func(c *Config, v string) error { c.Broker.NATSURL = v; return nil }},
	{"STORE_BACKEND", func(c *Config, v string) error { c.Store.Backend = v; return nil }},
	{"STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

// ApplyEnv applies KEPHASGATE_* overrides found by lookup, usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		value, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(c, value); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s%s: %v", errors.ErrInvalidConfig, EnvPrefix, ev.name, err),
				"Config", "ApplyEnv", "parse")
		}
	}
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.HTTPAddr == "" {
		add("server.http_addr is required")
	}
	if c.Server.GzipThreshold < 0 {
		add("server.gzip_threshold must not be negative")
	}
	if !strings.HasPrefix(c.Server.WebSocketPath, "/") {
		add("server.websocket_path must start with /")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	if c.Auth.Secret == "" {
		add("auth.secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		add("auth.token_ttl must be positive")
	}

	if !oneOf(c.Throttle.Backend, BackendMemory, BackendRedis) {
		add("throttle.backend %q must be memory or redis", c.Throttle.Backend)
	}
	if c.Throttle.Window <= 0 {
		add("throttle.window must be positive")
	}
	if c.Throttle.RequestsPerMinute <= 0 {
		add("throttle.requests_per_minute must be positive")
	}

	if !oneOf(c.Broker.Backend, BackendMemory, BackendRedis, BackendNATS) {
		add("broker.backend %q must be memory, redis or nats", c.Broker.Backend)
	}
	if c.Broker.Channel == "" {
		add("broker.channel is required")
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		add("redis.addr is required by the redis backend")
	}

	if !oneOf(c.Store.Backend, BackendMemory, BackendPostgres) {
		add("store.backend %q must be memory or postgres", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.DSN == "" {
		add("store.dsn is required by the postgres backend")
	}

	if c.WebSocket.RateLimit && (c.WebSocket.MessagesPerSecond <= 0 || c.WebSocket.Burst <= 0) {
		add("websocket.messages_per_second and websocket.burst must be positive when rate_limit is on")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
		"Config", "Validate", "check")
}

// UsesRedis reports whether any backend needs the redis client.
func (c *Config) UsesRedis() bool {
	return c.Throttle.Backend == BackendRedis || c.Broker.Backend == BackendRedis
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
