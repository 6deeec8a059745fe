package client

import "time"

// Config holds reconnection settings for a Manager.
type Config struct {
	// InitialBackoff is the delay before the first retry.
	// Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	// Default: 30 seconds.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay per consecutive failure.
	// Default: 2.
	BackoffMultiplier float64

	// Jitter is the randomized fraction of each delay.
	// Default: 0.5.
	Jitter float64

	// MaxReconnectAttempts stops retries after this many consecutive
	// failures. Negative means retry forever.
	// Default: 10.
	MaxReconnectAttempts int

	// DegradedAfter marks the status degraded after this many consecutive
	// failures.
	// Default: 3.
	DegradedAfter int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2,
		Jitter:               0.5,
		MaxReconnectAttempts: 10,
		DegradedAfter:        3,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := c.Clone()
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.BackoffMultiplier <= 0 {
		out.BackoffMultiplier = def.BackoffMultiplier
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if out.DegradedAfter <= 0 {
		out.DegradedAfter = def.DegradedAfter
	}
	return out
}

func (c *Config) backoff() Backoff {
	return Backoff{
		Initial:    c.InitialBackoff,
		Max:        c.MaxBackoff,
		Multiplier: c.BackoffMultiplier,
		Jitter:     c.Jitter,
	}
}
