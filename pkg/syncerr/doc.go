// Package syncerr defines the error taxonomy of the realtime sync layer.
//
// Every error surfaced by ordersync carries a Kind and a stable code:
//
//	OS001 Unauthenticated    no token when an authenticated call is attempted
//	OS002 SessionExpired     an authenticated call returned 401
//	OS003 Transport          connect or reconnect failed
//	OS004 MutationFailed     an HTTP mutation returned non-2xx or never completed
//	OS005 RequestFailed      a read-only HTTP call failed
//	OS006 HandshakeRejected  the realtime server refused the handshake credentials
//
// Kinds are matched with errors.Is against the package sentinels:
//
//	if errors.Is(err, syncerr.ErrSessionExpired) {
//	    // show "please log in again"
//	}
//
// Transport errors never leave the connection manager. Mutation errors are
// always returned to the caller. Session expiry is escalated globally by
// clearing the session store.
package syncerr
