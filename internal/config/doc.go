// Package config loads configuration for the ordersync command.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional config file (YAML, TOML or JSON, chosen by extension),
// ORDERSYNC_* environment variables and command-line flags. Nested keys
// map to environment variables by upper-casing and replacing dots with
// underscores, so server.address is ORDERSYNC_SERVER_ADDRESS.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  policy_file: ./fanout.yaml
//	  trusted_proxies: [10.0.0.0/8]
//	  allow_all_origins: false
//	  identity_url: http://localhost:5000
//	  heartbeat_interval: 30s
//	  read_timeout: 60s
//	  poll_wait: 25s
//	  shutdown_timeout: 30s
//	client:
//	  api_url: http://localhost:5000
//	  realtime_url: http://localhost:8080
//	  transport: auto
//	  token_file: ~/.ordersync/token   # token itself: ORDERSYNC_CLIENT_TOKEN
//	auth:
//	  jwt_secret: change-me
//	  issuer: ordersync
//	  audience: ordersync-realtime
//	  token_ttl: 12h
//	log:
//	  level: info
//	  format: text
//	metrics:
//	  enabled: true
//	  namespace: ordersync
//
// # Usage
//
//	cfg, err := config.Load("ordersync.yaml", map[string]*pflag.Flag{
//	    config.KeyServerAddress: cmd.Flags().Lookup("addr"),
//	})
//	if err != nil {
//	    return err
//	}
package config
