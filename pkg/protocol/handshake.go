package protocol

import (
	"net/http"
	"net/url"
	"strings"
)

// Server paths of the realtime transports.
const (
	PathSocket = "/socket"
	PathPoll   = "/socket/poll"
)

// Query parameter names carried by the handshake.
const (
	QueryToken  = "token"
	QueryRole   = "role"
	QueryUserID = "userId"
)

// Handshake holds the connection-time credentials.
type Handshake struct {
	Token  string
	Role   string
	UserID string
}

// Validate reports ErrMissingCredentials when a field is empty.
func (h Handshake) Validate() error {
	if h.Token == "" || h.Role == "" || h.UserID == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Query returns the handshake query parameters.
func (h Handshake) Query() url.Values {
	v := url.Values{}
	v.Set(QueryToken, h.Token)
	v.Set(QueryRole, h.Role)
	v.Set(QueryUserID, h.UserID)
	return v
}

// Header returns the handshake auth header.
func (h Handshake) Header() http.Header {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.Token)
	return hdr
}

// Apply merges the query into u, returning a copy.
func (h Handshake) Apply(u *url.URL) *url.URL {
	out := *u
	q := out.Query()
	for k, vs := range h.Query() {
		q[k] = vs
	}
	out.RawQuery = q.Encode()
	return &out
}

// ParseHandshake extracts credentials from r. The Authorization header
// wins over the token query parameter when both are present.
func ParseHandshake(r *http.Request) (Handshake, error) {
	q := r.URL.Query()
	h := Handshake{
		Token:  BearerToken(r),
		Role:   q.Get(QueryRole),
		UserID: q.Get(QueryUserID),
	}
	if h.Token == "" {
		h.Token = q.Get(QueryToken)
	}
	return h, h.Validate()
}

// BearerToken returns the bearer token from the Authorization header.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
