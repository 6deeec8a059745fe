package ordersync

import (
	"log/slog"
	"net/http"

	"github.com/vango-dev/ordersync/pkg/client"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Transport selects how the realtime connection is made.
type Transport string

const (
	// TransportAuto tries websocket first and falls back to long-polling.
	TransportAuto Transport = "auto"

	// TransportWebSocket only uses websocket.
	TransportWebSocket Transport = "websocket"

	// TransportPolling only uses HTTP long-polling.
	TransportPolling Transport = "polling"
)

// Config is the entry point for assembling a Client.
type Config struct {
	// APIURL is the backend origin serving /api/auth/me and the order
	// endpoints. Required.
	APIURL string

	// RealtimeURL is the realtime server origin.
	// Default: APIURL.
	RealtimeURL string

	// Transport selects the realtime transport.
	// Default: TransportAuto.
	Transport Transport

	// Connection tunes reconnection.
	// Default: client.DefaultConfig().
	Connection *client.Config

	// Persister keeps the token across restarts. Nil keeps it in memory
	// only for the lifetime of the Client.
	Persister session.Persister

	// HTTPClient is used for backend calls. Its timeout bounds every
	// mutation.
	// Default: a client with api.DefaultTimeout.
	HTTPClient *http.Client

	// Dialer overrides the transport selected by Transport.
	Dialer client.Dialer

	// Logger is the structured logger.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics receives client-side collectors. Nil disables metrics.
	Metrics *telemetry.Metrics

	// Tracer creates spans. Nil uses the global provider.
	Tracer *telemetry.Tracer
}

// dialer returns the dialer for c.
func (c Config) dialer() client.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	switch c.Transport {
	case TransportWebSocket:
		return &client.WebSocketDialer{}
	case TransportPolling:
		return &client.PollingDialer{}
	default:
		return client.NewFallbackDialer()
	}
}

// ParseTransport converts s to a Transport. An empty string is
// TransportAuto.
func ParseTransport(s string) (Transport, bool) {
	switch t := Transport(s); t {
	case "":
		return TransportAuto, true
	case TransportAuto, TransportWebSocket, TransportPolling:
		return t, true
	}
	return "", false
}
