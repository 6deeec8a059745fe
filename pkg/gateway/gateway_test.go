package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vango-dev/ordersync/pkg/client"
	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/syncerr"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls int
	err   error
	ctxs  []context.Context
}

func (f *fakeAPI) UpdateOrderStatus(ctx context.Context, token, orderID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxs = append(f.ctxs, ctx)
	return f.err
}

type fakeEmitter struct {
	mu        sync.Mutex
	connected bool
	err       error
	events    []protocol.OrderStatusEvent
}

func (f *fakeEmitter) Emit(event protocol.EventName, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return client.ErrNotConnected
	}
	if f.err != nil {
		return f.err
	}
	if event == protocol.EventOrderStatusUpdate {
		f.events = append(f.events, payload.(protocol.OrderStatusEvent))
	}
	return nil
}

var waiter = session.Identity{ID: "u-waiter", DisplayName: "Bo", Role: session.RoleWaiter, Active: true}

type harness struct {
	store    *session.Store
	api      *fakeAPI
	emitter  *fakeEmitter
	recorder *tracetest.SpanRecorder
	gw       *Gateway
}

func newHarness(t *testing.T, loggedIn, connected bool) *harness {
	t.Helper()
	h := &harness{
		store:    session.NewStore(),
		api:      &fakeAPI{},
		emitter:  &fakeEmitter{connected: connected},
		recorder: tracetest.NewSpanRecorder(),
	}
	if loggedIn {
		h.store.Set("tok-1", waiter)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.recorder))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.gw = New(h.store, h.api, h.emitter,
		WithTracer(telemetry.NewTracer("", provider)),
		WithClock(func() time.Time { return fixed }))
	return h
}

func (h *harness) span(t *testing.T) sdktrace.ReadOnlySpan {
	t.Helper()
	ended := h.recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Name() != SpanName {
		t.Fatalf("span name = %q", ended[0].Name())
	}
	return ended[0]
}

func notifiedAttr(span sdktrace.ReadOnlySpan) (bool, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == telemetry.AttrNotified {
			return kv.Value.AsBool(), true
		}
	}
	return false, false
}

func TestMutateAndNotify_Success(t *testing.T) {
	h := newHarness(t, true, true)

	res, err := h.gw.MutateAndNotify(context.Background(), "o-7", "ready")
	if err != nil {
		t.Fatalf("MutateAndNotify() error: %v", err)
	}
	if !res.Notified {
		t.Fatal("expected Notified")
	}
	if len(h.emitter.events) != 1 {
		t.Fatalf("emitted = %d, want 1", len(h.emitter.events))
	}
	ev := h.emitter.events[0]
	if ev.OrderID != "o-7" || ev.Status != "ready" || ev.EmittedBy != "u-waiter" || ev.EmittedAt.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
	if ev != res.Event {
		t.Fatalf("result event %+v != emitted %+v", res.Event, ev)
	}

	span := h.span(t)
	if span.Status().Code != codes.Ok {
		t.Fatalf("span status = %v", span.Status().Code)
	}
	if n, ok := notifiedAttr(span); !ok || !n {
		t.Fatalf("notified attribute = %v, %v", n, ok)
	}
}

func TestMutateAndNotify_Unauthenticated(t *testing.T) {
	h := newHarness(t, false, true)

	_, err := h.gw.MutateAndNotify(context.Background(), "o-7", "ready")
	if !errors.Is(err, syncerr.ErrUnauthenticated) {
		t.Fatalf("error = %v, want Unauthenticated", err)
	}
	if h.api.calls != 0 {
		t.Fatalf("api calls = %d, want 0", h.api.calls)
	}
	if len(h.emitter.events) != 0 {
		t.Fatal("no event may be emitted without a session")
	}
	if h.span(t).Status().Code != codes.Error {
		t.Fatal("expected error span")
	}
}

func TestMutateAndNotify_ServerErrorEmitsNothing(t *testing.T) {
	h := newHarness(t, true, true)
	h.api.err = syncerr.New(syncerr.KindMutationFailed, "api.UpdateOrderStatus").
		WithStatus(500).WithMessage("kitchen offline")

	_, err := h.gw.MutateAndNotify(context.Background(), "o-7", "ready")
	if !errors.Is(err, syncerr.ErrMutationFailed) {
		t.Fatalf("error = %v, want MutationFailed", err)
	}
	if got := syncerr.UserMessage(err); got != "kitchen offline" {
		t.Fatalf("UserMessage = %q, want server message", got)
	}
	if len(h.emitter.events) != 0 {
		t.Fatal("event emitted after failed mutation")
	}
	if !h.store.Current().Present() {
		t.Fatal("a 500 must not clear the session")
	}
}

func TestMutateAndNotify_NetworkErrorIsMutationFailed(t *testing.T) {
	h := newHarness(t, true, true)
	h.api.err = errors.New("dial tcp: connection refused")

	_, err := h.gw.MutateAndNotify(context.Background(), "o-7", "ready")
	if !errors.Is(err, syncerr.ErrMutationFailed) {
		t.Fatalf("error = %v, want MutationFailed", err)
	}
	if got := syncerr.UserMessage(err); got != "The change could not be saved" {
		t.Fatalf("UserMessage = %q, want generic message", got)
	}
}

func TestMutateAndNotify_DisconnectedCommitsSilently(t *testing.T) {
	h := newHarness(t, true, false)

	res, err := h.gw.MutateAndNotify(context.Background(), "o-7", "served")
	if err != nil {
		t.Fatalf("MutateAndNotify() error: %v", err)
	}
	if res.Notified {
		t.Fatal("Notified must be false while disconnected")
	}
	if h.api.calls != 1 {
		t.Fatalf("api calls = %d, want 1", h.api.calls)
	}
	if n, ok := notifiedAttr(h.span(t)); !ok || n {
		t.Fatalf("notified attribute = %v, %v", n, ok)
	}
}

func TestMutateAndNotify_EmitFailureIsNotAnError(t *testing.T) {
	h := newHarness(t, true, true)
	h.emitter.err = errors.New("broken pipe")

	res, err := h.gw.MutateAndNotify(context.Background(), "o-7", "served")
	if err != nil {
		t.Fatalf("MutateAndNotify() error: %v", err)
	}
	if res.Notified {
		t.Fatal("Notified must be false when the write failed")
	}
}

func TestMutateAndNotify_UnauthorizedClearsSessionOnce(t *testing.T) {
	h := newHarness(t, true, true)
	h.api.err = syncerr.New(syncerr.KindSessionExpired, "api.UpdateOrderStatus").WithStatus(401)

	var logouts int
	h.store.Subscribe(func(c session.Change) {
		if c.Kind == session.ChangeLogout {
			logouts++
		}
	})

	for i := 0; i < 3; i++ {
		_, err := h.gw.MutateAndNotify(context.Background(), "o-7", "ready")
		if i == 0 && !errors.Is(err, syncerr.ErrSessionExpired) {
			t.Fatalf("first call error = %v, want SessionExpired", err)
		}
		if i > 0 && !errors.Is(err, syncerr.ErrUnauthenticated) {
			t.Fatalf("call %d error = %v, want Unauthenticated", i, err)
		}
	}
	if logouts != 1 {
		t.Fatalf("logouts = %d, want 1", logouts)
	}
	if h.api.calls != 1 {
		t.Fatalf("api calls = %d, want 1", h.api.calls)
	}
	if len(h.emitter.events) != 0 {
		t.Fatal("event emitted after 401")
	}
}

func TestMutateAndNotify_StaleUnauthorizedKeepsNewSession(t *testing.T) {
	h := newHarness(t, true, true)
	expired := syncerr.New(syncerr.KindSessionExpired, "api.UpdateOrderStatus").WithStatus(401)

	// The user logs in again while the old request is in flight.
	h.gw.api = apiFunc(func(ctx context.Context, token, orderID, status string) error {
		h.store.Set("tok-2", waiter)
		return expired
	})

	_, err := h.gw.MutateAndNotify(context.Background(), "o-7", "ready")
	if !errors.Is(err, syncerr.ErrSessionExpired) {
		t.Fatalf("error = %v, want SessionExpired", err)
	}
	if h.store.Token() != "tok-2" {
		t.Fatal("a stale 401 logged out the newer session")
	}
}

func TestMutateAndNotify_CallerCancellationDoesNotAbortMutation(t *testing.T) {
	h := newHarness(t, true, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.gw.MutateAndNotify(ctx, "o-7", "ready"); err != nil {
		t.Fatalf("MutateAndNotify() error: %v", err)
	}
	if got := h.api.ctxs[0].Err(); got != nil {
		t.Fatalf("api context err = %v, want nil", got)
	}
}

func TestMutateAndNotify_RequiresArguments(t *testing.T) {
	h := newHarness(t, true, true)
	if _, err := h.gw.MutateAndNotify(context.Background(), "", "ready"); !errors.Is(err, syncerr.ErrMutationFailed) {
		t.Fatalf("error = %v, want MutationFailed", err)
	}
	if h.api.calls != 0 {
		t.Fatal("api called with an empty order id")
	}
}

type apiFunc func(ctx context.Context, token, orderID, status string) error

func (f apiFunc) UpdateOrderStatus(ctx context.Context, token, orderID, status string) error {
	return f(ctx, token, orderID, status)
}
