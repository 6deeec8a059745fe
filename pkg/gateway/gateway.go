// Package gateway performs order mutations through the backend API and
// then notifies connected peers over the realtime connection.
//
// The HTTP mutation is the source of truth. The realtime event is emitted
// only after the backend committed the change, and only when a live
// connection exists at that moment; otherwise it is dropped and peers
// catch up on their next fetch.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vango-dev/ordersync/pkg/client"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/syncerr"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// SessionStore is the part of *session.Store the gateway depends on.
type SessionStore interface {
	Current() session.Session
	ClearIfToken(token string) bool
}

// OrderAPI performs the mutation. *api.Client satisfies it.
type OrderAPI interface {
	UpdateOrderStatus(ctx context.Context, token, orderID, status string) error
}

// Emitter sends an event on the live connection. *client.Manager
// satisfies it; Emit returns client.ErrNotConnected when there is none.
type Emitter interface {
	Emit(event protocol.EventName, payload any) error
}

// Result describes a successful mutation.
type Result struct {
	// Event is the event built for the change.
	Event protocol.OrderStatusEvent

	// Notified reports whether the event was handed to a live connection.
	Notified bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithClock overrides time.Now for EmittedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway is the mutate-then-notify entry point for UI code.
type Gateway struct {
	store   SessionStore
	api     OrderAPI
	emitter Emitter
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
}

// New creates a gateway.
func New(store SessionStore, api OrderAPI, emitter Emitter, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		api:     api,
		emitter: emitter,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// SpanName is the span created for every MutateAndNotify call.
const SpanName = "ordersync.mutate_and_notify"

// MutateAndNotify sets the status of orderID and, once the backend
// committed it, emits order_status_update to peers.
//
// Errors: syncerr.ErrUnauthenticated without a session (no request sent),
// syncerr.ErrSessionExpired on 401 (the session is cleared), and
// syncerr.ErrMutationFailed for any other failure. A missing realtime
// connection is not an error; see Result.Notified.
//
// Cancelling ctx after the request was sent does not abort it.
func (g *Gateway) MutateAndNotify(ctx context.Context, orderID, status string) (res Result, err error) {
	const op = "gateway.MutateAndNotify"

	ctx, span := g.tracer.Start(ctx, SpanName,
		telemetry.AttrOrderID.String(orderID),
		telemetry.AttrStatus.String(status))
	defer func() {
		span.SetAttributes(telemetry.AttrNotified.Bool(res.Notified))
		telemetry.End(span, err)
	}()

	sess := g.store.Current()
	if sess.Token == "" {
		return Result{}, syncerr.New(syncerr.KindUnauthenticated, op)
	}
	if orderID == "" || status == "" {
		return Result{}, syncerr.New(syncerr.KindMutationFailed, op).
			WithMessage("order id and status are required")
	}

	start := time.Now()
	err = g.api.UpdateOrderStatus(context.WithoutCancel(ctx), sess.Token, orderID, status)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return Result{}, g.mutationFailed(op, sess, orderID, elapsed, err)
	}
	g.metrics.RecordMutation(telemetry.ResultSuccess, elapsed)

	res.Event = protocol.OrderStatusEvent{
		OrderID:   orderID,
		Status:    status,
		EmittedBy: sess.UserID(),
		EmittedAt: g.now().UTC(),
	}

	switch emitErr := g.emitter.Emit(protocol.EventOrderStatusUpdate, res.Event); {
	case emitErr == nil:
		res.Notified = true
	case errors.Is(emitErr, client.ErrNotConnected):
		g.logger.Debug("not connected, event dropped", "order_id", orderID)
	default:
		g.logger.Warn("event not delivered", "order_id", orderID, "error", emitErr)
	}
	return res, nil
}

// mutationFailed classifies a failed mutation. A 401 clears the session
// it was made with, once.
func (g *Gateway) mutationFailed(op string, sess session.Session, orderID string, elapsed float64, err error) error {
	if syncerr.IsSessionExpired(err) {
		g.metrics.RecordMutation("session_expired", elapsed)
		if g.store.ClearIfToken(sess.Token) {
			g.logger.Info("session expired, logged out", "user_id", sess.UserID())
		}
		return err
	}

	g.metrics.RecordMutation(telemetry.ResultFailure, elapsed)
	g.logger.Warn("mutation failed", "order_id", orderID, "error", err)

	var e *syncerr.Error
	if errors.As(err, &e) && e.Kind == syncerr.KindMutationFailed {
		return err
	}
	return syncerr.New(syncerr.KindMutationFailed, op).Wrap(err)
}
