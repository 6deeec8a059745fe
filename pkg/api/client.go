package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/syncerr"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// Paths of the consumed endpoints.
const (
	PathMe          = "/api/auth/me"
	PathOrderStatus = "/api/orders/%s/status"
)

// DefaultTimeout bounds every request when no HTTP client is supplied.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the backend origin (e.g. "http://localhost:5000").
	BaseURL string

	// HTTPClient is used for all requests. If nil, a client with
	// DefaultTimeout is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Tracer creates client spans. If nil, the global provider is used.
	Tracer *telemetry.Tracer
}

// Client talks to the backend API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     *telemetry.Tracer
}

// NewClient creates a backend API client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "api_client"),
		tracer:     config.Tracer,
	}, nil
}

// BaseURL returns the backend origin without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type meResponse struct {
	session.Identity
	User *session.Identity `json:"user,omitempty"`
}

// Me returns the identity behind token. The backend may answer with the
// identity object itself or wrapped as {"user": {...}}.
func (c *Client) Me(ctx context.Context, token string) (session.Identity, error) {
	const op = "api.Me"
	if token == "" {
		return session.Identity{}, syncerr.New(syncerr.KindUnauthenticated, op)
	}

	body, err := c.do(ctx, op, syncerr.KindRequestFailed, http.MethodGet, PathMe, token, nil)
	if err != nil {
		return session.Identity{}, err
	}

	var resp meResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return session.Identity{}, syncerr.New(syncerr.KindRequestFailed, op).
			WithMessage("invalid identity response").Wrap(err)
	}
	identity := resp.Identity
	if resp.User != nil {
		identity = *resp.User
	}
	if !identity.Valid() {
		return session.Identity{}, syncerr.New(syncerr.KindRequestFailed, op).
			WithMessage("identity response lacks id or role")
	}
	return identity, nil
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus changes an order's status.
func (c *Client) UpdateOrderStatus(ctx context.Context, token, orderID, status string) error {
	const op = "api.UpdateOrderStatus"
	if token == "" {
		return syncerr.New(syncerr.KindUnauthenticated, op)
	}
	path := fmt.Sprintf(PathOrderStatus, url.PathEscape(orderID))
	_, err := c.do(ctx, op, syncerr.KindMutationFailed, http.MethodPatch, path, token, statusRequest{Status: status})
	return err
}

// do performs a request and returns the body of a 2xx response. Any other
// outcome is a *syncerr.Error: SessionExpired on 401, failKind otherwise.
func (c *Client) do(ctx context.Context, op string, failKind syncerr.Kind, method, path, token string, requestBody any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, op)
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			spanErr = syncerr.New(failKind, op).Wrap(err)
			return nil, spanErr
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		spanErr = syncerr.New(failKind, op).Wrap(err)
		return nil, spanErr
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	telemetry.Inject(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "method", method, "path", path, "error", err)
		spanErr = syncerr.New(failKind, op).Wrap(err)
		return nil, spanErr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			spanErr = syncerr.New(failKind, op).Wrap(err)
			return nil, spanErr
		}
		return body, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(raw)

	kind := failKind
	if resp.StatusCode == http.StatusUnauthorized {
		kind = syncerr.KindSessionExpired
		// The registered "please log in again" message wins over whatever
		// the backend said.
		msg = ""
	}
	c.logger.Debug("request rejected", "method", method, "path", path, "status", resp.StatusCode)

	spanErr = syncerr.New(kind, op).WithStatus(resp.StatusCode).WithMessage(msg)
	return nil, spanErr
}

// errorMessage extracts {"message"} or {"error"} from an error body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
