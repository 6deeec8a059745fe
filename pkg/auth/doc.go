// Package auth verifies realtime handshake credentials on the server.
//
// A Verifier turns a bearer token into a Principal. Two are provided:
//
//   - JWTVerifier checks HS256 tokens locally (sub = user id, plus role
//     and name claims). Issuer mints matching tokens for development.
//   - APIVerifier asks the backend's identity endpoint, so any token the
//     backend accepts is accepted here.
//
// Handshake wraps the upgrade and long-poll open handlers: it parses the
// credentials, verifies the token, checks that the claimed role and user
// id match the verified identity, and stores the Principal on the request
// context:
//
//	r.With(auth.Handshake(verifier, logger)).Get("/socket", srv.ServeWebSocket)
//
// Rejections happen before the upgrade with 401 (bad or missing token) or
// 403 (identity mismatch or inactive user), which clients treat as a
// session loss rather than a transient failure.
package auth
