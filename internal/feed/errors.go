package feed

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMarket   = errors.New("feed: unknown market")
	ErrGroupNotAllowed = errors.New("feed: group size not allowed for market")
	ErrSessionStopped  = errors.New("feed: session stopped")
)

// TransportError is a connection level failure. It is recovered by
// reconnecting unless the feed was killed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// MalformedMessage is a payload that could not be parsed into a known shape.
// The message is dropped and the session carries on.
type MalformedMessage struct {
	Reason string
	Err    error
}

func (e *MalformedMessage) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}
func (e *MalformedMessage) Unwrap() error { return e.Err }

// ProtocolViolation is a well-formed message the feed does not expect,
// such as an unknown feed name or a venue error event. It is ignored.
type ProtocolViolation struct {
	Feed   string
	Event  string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation (feed=%q event=%q): %s", e.Feed, e.Event, e.Reason)
}

// ErrorKind maps an error to its metrics label.
func ErrorKind(err error) string {
	var (
		te *TransportError
		mm *MalformedMessage
		pv *ProtocolViolation
	)
	switch {
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &mm):
		return "malformed"
	case errors.As(err, &pv):
		return "protocol"
	default:
		return "other"
	}
}
