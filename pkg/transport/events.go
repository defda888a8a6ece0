package transport

import "github.com/r2northstar/netcode/pkg/netcode"

// EventKind identifies the shape of an Event.
type EventKind uint8

const (
	EventClientConnected EventKind = iota
	EventClientDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventClientConnected:
		return "client_connected"
	case EventClientDisconnected:
		return "client_disconnected"
	default:
		return "unknown"
	}
}

// Event is surfaced upward from a tick to whatever owns the message layer.
// The message layer subscribes to these and never sees handshake traffic.
type Event struct {
	Kind     EventKind
	ClientID uint64
	UserData [netcode.UserDataBytes]byte
	Reason   netcode.DisconnectReason
}
