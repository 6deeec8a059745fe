package protocol

import "time"

// EventName names a wire event.
type EventName string

// Client to server events.
const (
	EventSetRole          EventName = "set_role"
	EventUserConnected    EventName = "user_connected"
	EventUserReconnected  EventName = "user_reconnected"
	EventUserDisconnected EventName = "user_disconnected"
)

// Bidirectional events.
const (
	EventOrderStatusUpdate EventName = "order_status_update"
)

// Server to client events.
const (
	EventError EventName = "error"
)

// Known reports whether e is part of the protocol.
func (e EventName) Known() bool {
	switch e {
	case EventSetRole, EventUserConnected, EventUserReconnected, EventUserDisconnected,
		EventOrderStatusUpdate, EventError:
		return true
	}
	return false
}

// Announcement reports whether e is one of the identity announcements a
// connection sends after connecting.
func (e EventName) Announcement() bool {
	switch e {
	case EventSetRole, EventUserConnected, EventUserReconnected:
		return true
	}
	return false
}

// SetRole announces the connection's role.
type SetRole struct {
	Role string `json:"role"`
}

// UserConnected announces the connection's identity.
type UserConnected struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

// UserReconnected asks the server to rebuild room membership after a
// transport reconnect.
type UserReconnected struct {
	UserID string `json:"userId"`
}

// UserDisconnected announces an explicit logout.
type UserDisconnected struct {
	UserID string `json:"userId"`
}

// OrderStatusEvent is an order status change. The server stamps EmittedBy
// with the verified user id of the sending connection.
type OrderStatusEvent struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	EmittedBy string    `json:"emittedBy,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Validate checks the required fields.
func (e OrderStatusEvent) Validate() error {
	if e.OrderID == "" {
		return ErrMissingOrderID
	}
	if e.Status == "" {
		return ErrMissingStatus
	}
	return nil
}
