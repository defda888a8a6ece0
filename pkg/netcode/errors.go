package netcode

import "fmt"

// ErrorKind identifies the category of a netcode error, grouped the way
// spec §7 groups them: framing, authentication, protocol state, application.
type ErrorKind int

const (
	_ ErrorKind = iota

	// Framing
	ErrPacketTooSmall
	ErrInvalidHeaderType
	ErrUnknownPacketType
	ErrPacketTooLarge

	// Authentication
	ErrCryptoFailed
	ErrInvalidVersion
	ErrInvalidProtocolID
	ErrTokenExpired
	ErrNotInHostList

	// Protocol state
	ErrInvalidSocketID
	ErrTokenAlreadyUsed
	ErrDuplicateConnection
	ErrPendingClientsFull
	ErrServerFull

	// Application
	ErrPayloadAboveLimit
	ErrClientNotFound
	ErrClientNotConnected
)

var errorText = map[ErrorKind]string{
	ErrPacketTooSmall:      "packet too small",
	ErrInvalidHeaderType:   "invalid header type",
	ErrUnknownPacketType:   "unknown packet type",
	ErrPacketTooLarge:      "packet too large",
	ErrCryptoFailed:        "aead authentication failed",
	ErrInvalidVersion:      "invalid version info",
	ErrInvalidProtocolID:   "invalid protocol id",
	ErrTokenExpired:        "connect token expired",
	ErrNotInHostList:       "server address not in token host list",
	ErrInvalidSocketID:     "invalid socket id",
	ErrTokenAlreadyUsed:    "connect token already used from a different address",
	ErrDuplicateConnection: "duplicate connection attempt",
	ErrPendingClientsFull:  "pending client table full",
	ErrServerFull:          "server full",
	ErrPayloadAboveLimit:   "payload above limit",
	ErrClientNotFound:      "client not found",
	ErrClientNotConnected:  "client not connected",
}

func (k ErrorKind) String() string {
	if s, ok := errorText[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is a typed netcode error. Server.ProcessPacket never returns a Go
// error: framing, authentication and some protocol-state errors are carried
// in the Err field of a ResultError Result. Application errors are returned
// from GeneratePayload; Disconnect reports an unknown client as ResultNone.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return e.Kind.String()
}

// Is implements errors.Is support so callers can write errors.Is(err, netcode.ErrClientUnknown).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func errKind(k ErrorKind) error {
	return &Error{Kind: k}
}

// Sentinel application errors returned by GeneratePayload, suitable for
// errors.Is.
var (
	ErrPayloadTooLarge = &Error{Kind: ErrPayloadAboveLimit}
	ErrClientUnknown   = &Error{Kind: ErrClientNotFound}
)

func wrapErrorf(k ErrorKind, format string, a ...interface{}) error {
	if format == "" {
		return errKind(k)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), errKind(k))
}
