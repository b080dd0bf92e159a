package gatewayclient

import "fmt"

// Failure kinds a Gateway conversation can end with.
const (
	FailureAuthFailed         = "auth_failed"
	FailureRequestRejected    = "request_rejected"
	FailureTransportError     = "transport_error"
	FailureTimeout            = "timeout"
	FailureClosedUnexpectedly = "closed_unexpectedly"
)

// Error is a failed Gateway conversation, tagged with one of the kinds
// above so callers can branch on failure mode without string matching.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
