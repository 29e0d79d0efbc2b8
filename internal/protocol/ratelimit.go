package protocol

import (
	"golang.org/x/time/rate"
)

// RateLimitConfig is the inbound command budget of a single WebSocket or TCP
// connection. It is a token bucket, independent of the per-route HTTP throttle.
type RateLimitConfig struct {
	MessagesPerSecond rate.Limit
	// Burst is the bucket capacity.
	Burst   int
	Enabled bool
}

// DefaultRateLimitConfig allows 100 commands per second with bursts of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{MessagesPerSecond: 100, Burst: 200, Enabled: true}
}

// NoRateLimit disables the per-connection budget.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{}
}

// NewLimiter returns a fresh bucket for one connection. Nil means unlimited.
func (c *RateLimitConfig) NewLimiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}
