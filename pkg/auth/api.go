package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/syncerr"
)

// IdentityFetcher resolves a token to an identity. *api.Client satisfies it.
type IdentityFetcher interface {
	Me(ctx context.Context, token string) (session.Identity, error)
}

// APIVerifier delegates verification to the backend's identity endpoint.
type APIVerifier struct {
	fetcher IdentityFetcher
}

// NewAPIVerifier creates a verifier backed by fetcher.
func NewAPIVerifier(fetcher IdentityFetcher) *APIVerifier {
	return &APIVerifier{fetcher: fetcher}
}

// Verify implements Verifier. A 401 or missing token from the backend is
// ErrUnauthorized; an inactive user is ErrForbidden; anything else is
// returned as is so the caller answers 5xx.
func (v *APIVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	identity, err := v.fetcher.Me(ctx, token)
	if err != nil {
		if errors.Is(err, syncerr.ErrSessionExpired) || errors.Is(err, syncerr.ErrUnauthenticated) {
			return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Principal{}, err
	}
	if !identity.Active {
		return Principal{}, fmt.Errorf("%w: user %s is inactive", ErrForbidden, identity.ID)
	}
	return Principal{UserID: identity.ID, Role: identity.Role, Name: identity.DisplayName}, nil
}
