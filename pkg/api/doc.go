// Package api is the HTTP client for the restaurant backend API.
//
// Only the two endpoints the realtime layer depends on are covered:
// fetching the identity behind a bearer token and changing an order's
// status. Failures are classified with package syncerr: a 401 is always
// syncerr.ErrSessionExpired, other failures are ErrMutationFailed for
// mutating calls and ErrRequestFailed otherwise, carrying the server's
// message when the error body has one.
package api
