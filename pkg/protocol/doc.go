// Package protocol defines the realtime wire format shared by the
// connection manager and the room server.
//
// Every message is a JSON envelope:
//
//	{"event": "order_status_update", "data": {"orderId": "order-42", "status": "ready"}}
//
// Over websocket one envelope travels per text frame. Over the long-polling
// fallback a request or response body carries a JSON array of envelopes.
//
// # Handshake
//
// Credentials travel with the connection request itself, never as a later
// message, so the server can authorize room assignment before routing any
// event:
//
//	Authorization: Bearer <token>
//	?token=<token>&role=<role>&userId=<id>
//
// A server that rejects the credentials answers the upgrade (or the
// long-poll open) with 401 or 403.
package protocol
