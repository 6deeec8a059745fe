package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindMutationFailed, "api.UpdateOrderStatus").WithStatus(http.StatusInternalServerError)
	wrapped := fmt.Errorf("saving order: %w", err)

	if !errors.Is(wrapped, ErrMutationFailed) {
		t.Fatal("errors.Is(wrapped, ErrMutationFailed) = false, want true")
	}
	if errors.Is(wrapped, ErrSessionExpired) {
		t.Fatal("errors.Is(wrapped, ErrSessionExpired) = true, want false")
	}
	if got := KindOf(wrapped); got != KindMutationFailed {
		t.Fatalf("KindOf = %v, want %v", got, KindMutationFailed)
	}
}

func TestError_MessageDefaultsAndOverrides(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"default", New(KindMutationFailed, "op"), "The change could not be saved"},
		{"server message", New(KindMutationFailed, "op").WithMessage("order is closed"), "order is closed"},
		{"empty override keeps default", New(KindSessionExpired, "op").WithMessage(""), "Your session has expired, please log in again"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Fatalf("UserMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_StringIncludesCodeOpAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindTransport, "client.dial").Wrap(cause)

	s := err.Error()
	for _, part := range []string{"client.dial", "OS003", "connection refused"} {
		if !strings.Contains(s, part) {
			t.Fatalf("Error() = %q, missing %q", s, part)
		}
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
}

func TestKindOf_NonSyncError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf(plain) = %v, want unknown", got)
	}
	if got := UserMessage(errors.New("plain")); got != "Something went wrong" {
		t.Fatalf("UserMessage(plain) = %q", got)
	}
}

func TestRegistry_CodesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, code := range Codes() {
		if seen[code] {
			t.Fatalf("duplicate code %s", code)
		}
		seen[code] = true
	}
	if _, ok := Lookup(KindHandshakeRejected); !ok {
		t.Fatal("HandshakeRejected not registered")
	}
}
