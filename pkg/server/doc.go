// Package server is the realtime relay that order sync clients connect to.
//
// A client authenticates once at the handshake (bearer token plus claimed
// role and user id, verified by an auth.Verifier) and then announces
// itself with set_role, user_connected or user_reconnected. Announcements
// must match the verified identity; a matching announcement places the
// connection in the rooms "role:<role>" and "user:<userId>". A user holds
// membership through one connection at a time, the latest announcement
// wins.
//
// order_status_update events from announced connections are stamped with
// the sender's user id and fanned out to the rooms the Policy lists for
// the event, once per receiving connection and never back to the sender.
//
// Two transports are served:
//
//	GET    /socket             websocket, gorilla ping/pong heartbeats
//	POST   /socket/poll        open a long-polling session
//	GET    /socket/poll/{sid}  long-poll for a batch of events
//	POST   /socket/poll/{sid}  send a batch of events
//	DELETE /socket/poll/{sid}  close the session
//
// plus /healthz and, when a gatherer is configured, /metrics.
//
// Delivery is at most once. Nothing is stored: a connection that is not in
// a target room when an event is published never sees it. A connection
// whose outbound queue fills up is closed and rejoins on reconnect.
package server
