package server

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vango-dev/ordersync/pkg/protocol"
)

// Config holds configuration for the realtime server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Timeouts

	// HandshakeTimeout bounds the websocket upgrade.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// ReadTimeout is the maximum time to wait for a frame (including pongs)
	// from a websocket peer before it is considered gone.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between websocket pings. It must be
	// shorter than ReadTimeout.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: protocol.MaxMessageSize.
	MaxMessageSize int64

	// SendQueueSize is the per-connection outbound queue length. A peer
	// whose queue is full is disconnected.
	// Default: 256.
	SendQueueSize int

	// Long-polling

	// PollWait is how long a poll request is held open waiting for events.
	// Default: 25 seconds.
	PollWait time.Duration

	// PollIdleTimeout is how long a polling session may go without a
	// request before it is treated as disconnected.
	// Default: 60 seconds.
	PollIdleTimeout time.Duration

	// ReapInterval is the interval of the idle polling session sweep.
	// Default: 15 seconds.
	ReapInterval time.Duration

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// TrustedProxies lists trusted reverse proxy IPs or CIDRs whose
	// X-Forwarded-For and Forwarded headers are honoured when logging
	// peer addresses.
	// Default: nil (don't trust proxy headers).
	TrustedProxies []string

	// Policy is the fan-out table.
	// Default: DefaultPolicy().
	Policy *Policy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    protocol.MaxMessageSize,
		SendQueueSize:     256,
		PollWait:          25 * time.Second,
		PollIdleTimeout:   60 * time.Second,
		ReapInterval:      15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		Policy:            DefaultPolicy(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.Address == "" {
		out.Address = d.Address
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = d.CheckOrigin
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = d.ReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = d.MaxMessageSize
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = d.SendQueueSize
	}
	if out.PollWait <= 0 {
		out.PollWait = d.PollWait
	}
	if out.PollIdleTimeout <= 0 {
		out.PollIdleTimeout = d.PollIdleTimeout
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = d.ReapInterval
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.Policy == nil {
		out.Policy = d.Policy
	}
	return out
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.HeartbeatInterval >= c.ReadTimeout {
		return fmt.Errorf("%w: heartbeat interval %s must be shorter than read timeout %s",
			ErrInvalidConfig, c.HeartbeatInterval, c.ReadTimeout)
	}
	if c.PollWait >= c.PollIdleTimeout {
		return fmt.Errorf("%w: poll wait %s must be shorter than poll idle timeout %s",
			ErrInvalidConfig, c.PollWait, c.PollIdleTimeout)
	}
	return nil
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
// Requests without an Origin header (native clients) are allowed.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}
	return originURL.Host == host
}

// AllowAllOrigins accepts every origin. Use it only behind a gateway that
// checks origins itself.
func AllowAllOrigins(*http.Request) bool { return true }

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	if c.Policy != nil {
		clone.Policy = c.Policy.Clone()
	}
	return &clone
}

// WithAddress sets the server address and returns the config for chaining.
func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

// WithPolicy sets the fan-out policy and returns the config for chaining.
func (c *Config) WithPolicy(p *Policy) *Config {
	c.Policy = p
	return c
}
