package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error kinds surfaced to collaborators. These strings travel in
// Response.Error and must not change between releases.
const (
	KindAgentNotConnected = "agent-not-connected"
	KindAgentDisconnected = "agent-disconnected"
	KindAgentUnreachable  = "agent-unreachable"
	KindAgentBackpressure = "agent-backpressure"
	KindPermissionDenied  = "permission-denied"
	KindPlanViolation     = "plan-violation"
	KindNotFound          = "not-found"
	KindIsADirectory      = "is-a-directory"
	KindNotADirectory     = "not-a-directory"
	KindNotEmpty          = "not-empty"
	KindCrossDevice       = "cross-device"
	KindInvalidCwd        = "invalid-cwd"
	KindTooLarge          = "too-large"
	KindTimeout           = "timeout"
	KindUnknownOperation  = "unknown-operation"
	KindMalformedFrame    = "malformed-frame"
	KindForbidden         = "forbidden"
)

// Error is a failure with a stable kind. The wire representation is the
// Error() string, carried verbatim in the response envelope.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// NewError builds an Error with a formatted message.
func NewError(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the stable kind from err, unwrapping as needed.
// Unknown errors report an empty kind.
func KindOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}

var knownKinds = map[string]struct{}{
	KindAgentNotConnected: {},
	KindAgentDisconnected: {},
	KindAgentUnreachable:  {},
	KindAgentBackpressure: {},
	KindPermissionDenied:  {},
	KindPlanViolation:     {},
	KindNotFound:          {},
	KindIsADirectory:      {},
	KindNotADirectory:     {},
	KindNotEmpty:          {},
	KindCrossDevice:       {},
	KindInvalidCwd:        {},
	KindTooLarge:          {},
	KindTimeout:           {},
	KindUnknownOperation:  {},
	KindMalformedFrame:    {},
	KindForbidden:         {},
}

// ParseWireError lifts a wire error string ("kind: message" or a bare
// kind) back into a typed Error. Unrecognized prefixes keep the whole
// text as the message with an empty kind.
func ParseWireError(text string) *Error {
	kind, message, found := strings.Cut(text, ": ")
	if !found {
		kind, message = text, ""
	}
	if _, ok := knownKinds[kind]; !ok {
		return &Error{Message: text}
	}
	return &Error{Kind: kind, Message: message}
}
