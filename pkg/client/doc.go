// Package client maintains the realtime connection of one logged-in
// client.
//
// A Manager watches a session store. When a session appears it dials the
// realtime server with the session's credentials, announces the identity
// (set_role, then user_connected) before any other message, and keeps the
// connection alive with capped exponential backoff. When the session goes
// away it sends user_disconnected, closes the transport and stays down
// until the next login.
//
// # Connection Lifecycle
//
//	Disconnected → Connecting → Connected → Reconnecting → Connected
//	                                      ↘ Disconnected (logout, terminal)
//
// There is at most one connection per Manager. Every session change starts
// a new connection generation with its own goroutine; a generation does
// not dial until the previous generation's goroutine has exited.
//
// # Transports
//
// WebSocketDialer is the preferred transport. PollingDialer speaks the
// server's HTTP long-polling fallback. FallbackDialer tries dialers in
// order but never falls through on a rejected handshake: a 401 or 403 at
// connect time is treated as a lost session and clears the store.
//
// # Degraded Mode
//
// After Config.DegradedAfter consecutive failed connects the Status
// reports Degraded so UI code can switch to polling the HTTP API. After
// Config.MaxReconnectAttempts the manager stops retrying until
// Reconnect is called or the session changes.
package client
