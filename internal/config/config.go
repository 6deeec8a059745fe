package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vango-dev/ordersync"
	"github.com/vango-dev/ordersync/internal/logging"
	"github.com/vango-dev/ordersync/pkg/auth"
	"github.com/vango-dev/ordersync/pkg/server"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ORDERSYNC"

// Keys that commands commonly bind flags to.
const (
	KeyServerAddress   = "server.address"
	KeyServerPolicy    = "server.policy_file"
	KeyServerIdentity  = "server.identity_url"
	KeyClientAPIURL    = "client.api_url"
	KeyClientRealtime  = "client.realtime_url"
	KeyClientTransport = "client.transport"
	KeyClientTokenFile = "client.token_file"
	KeyClientToken     = "client.token"
	KeyAuthSecret      = "auth.jwt_secret"
	KeyAuthTokenTTL    = "auth.token_ttl"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
	KeyMetricsEnabled  = "metrics.enabled"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete ordersync command configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig configures `ordersync serve`.
type ServerConfig struct {
	// Address is the listen address.
	Address string `mapstructure:"address"`

	// PolicyFile is a YAML fan-out policy. Empty uses the built-in policy.
	PolicyFile string `mapstructure:"policy_file"`

	// TrustedProxies lists proxy addresses or CIDRs whose forwarding
	// headers are honored.
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	// AllowAllOrigins disables the same-origin websocket check.
	AllowAllOrigins bool `mapstructure:"allow_all_origins"`

	// IdentityURL, when set, verifies handshake tokens against the
	// backend's identity endpoint instead of as local JWTs.
	IdentityURL string `mapstructure:"identity_url"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	PollWait          time.Duration `mapstructure:"poll_wait"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ClientConfig configures the client commands (watch, set-status).
type ClientConfig struct {
	APIURL      string `mapstructure:"api_url"`
	RealtimeURL string `mapstructure:"realtime_url"`
	Transport   string `mapstructure:"transport"`

	// Token logs the client in. When empty the token saved in TokenFile
	// is restored.
	Token string `mapstructure:"token"`

	// TokenFile persists the login token between runs. Empty keeps it in
	// memory only.
	TokenFile string `mapstructure:"token_file"`
}

// AuthConfig configures local JWT verification and the dev token issuer.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	def := server.DefaultConfig()

	v.SetDefault("server.address", def.Address)
	v.SetDefault("server.policy_file", "")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.allow_all_origins", false)
	v.SetDefault("server.identity_url", "")
	v.SetDefault("server.heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("server.read_timeout", def.ReadTimeout)
	v.SetDefault("server.poll_wait", def.PollWait)
	v.SetDefault("server.shutdown_timeout", def.ShutdownTimeout)

	v.SetDefault("client.api_url", "http://localhost:5000")
	v.SetDefault("client.realtime_url", "")
	v.SetDefault("client.transport", string(ordersync.TransportAuto))
	v.SetDefault("client.token", "")
	v.SetDefault("client.token_file", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "ordersync")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatText)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "ordersync")
}

// Load builds a Config from defaults, the optional file, ORDERSYNC_*
// environment variables and flags. flags maps config keys to the flags
// that override them; nil entries are skipped and flags only win when
// set on the command line.
func Load(file string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return fmt.Errorf("%w: server.address must be set", ErrInvalid)
	}
	if _, ok := ordersync.ParseTransport(c.Client.Transport); !ok {
		return fmt.Errorf("%w: client.transport %q (valid: auto, websocket, polling)", ErrInvalid, c.Client.Transport)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		return fmt.Errorf("%w: log.format %q (valid: text, json)", ErrInvalid, c.Log.Format)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("%w: auth.token_ttl must not be negative", ErrInvalid)
	}
	return nil
}

// ServerConfig returns the realtime server configuration, loading the
// policy file when one is set.
func (c *Config) ServerConfig() (*server.Config, error) {
	sc := server.DefaultConfig().WithAddress(c.Server.Address)
	sc.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	if c.Server.AllowAllOrigins {
		sc.CheckOrigin = server.AllowAllOrigins
	}
	if c.Server.HeartbeatInterval > 0 {
		sc.HeartbeatInterval = c.Server.HeartbeatInterval
	}
	if c.Server.ReadTimeout > 0 {
		sc.ReadTimeout = c.Server.ReadTimeout
	}
	if c.Server.PollWait > 0 {
		sc.PollWait = c.Server.PollWait
	}
	if c.Server.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = c.Server.ShutdownTimeout
	}

	if c.Server.PolicyFile != "" {
		policy, err := server.LoadPolicy(c.Server.PolicyFile)
		if err != nil {
			return nil, err
		}
		sc = sc.WithPolicy(policy)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// JWTConfig returns the token configuration. It fails without a secret.
func (c *Config) JWTConfig() (auth.JWTConfig, error) {
	if c.Auth.JWTSecret == "" {
		return auth.JWTConfig{}, fmt.Errorf("%w: auth.jwt_secret must be set (or %s_AUTH_JWT_SECRET)", ErrInvalid, EnvPrefix)
	}
	return auth.JWTConfig{
		Secret:   []byte(c.Auth.JWTSecret),
		Issuer:   c.Auth.Issuer,
		Audience: c.Auth.Audience,
		TTL:      c.Auth.TokenTTL,
	}, nil
}

// Transport returns the parsed client transport.
func (c *Config) Transport() ordersync.Transport {
	t, _ := ordersync.ParseTransport(c.Client.Transport)
	return t
}

// Logging returns the logging options.
func (c *Config) Logging() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}
