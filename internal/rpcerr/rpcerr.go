// Package rpcerr defines the reject-kind taxonomy shared by the wire codec,
// capability registry and batch evaluator. It has no dependency on any of
// them so that every layer can construct and recognize the same error shape.
package rpcerr

import "encoding/json"

// Kind names a reject category. The wire representation is always one of
// these exact strings, stable across implementations of the protocol.
type Kind string

const (
	Protocol         Kind = "protocol"
	UnknownResult    Kind = "unknown_result"
	Cycle            Kind = "cycle"
	NotFound         Kind = "not_found"
	BadRequest       Kind = "bad_request"
	Unsupported      Kind = "unsupported"
	Application      Kind = "application"
	Internal         Kind = "internal"
	Timeout          Kind = "timeout"
	DependencyFailed Kind = "dependency_failed"
	Cancelled        Kind = "cancelled"
)

// Error is the structured failure value that flows through dispatch,
// evaluation and onto the wire as a reject payload.
type Error struct {
	Kind    Kind        `json:"kind"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// New builds an Error with no accompanying data.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithData attaches a data payload and returns the same error for chaining.
func (e *Error) WithData(data interface{}) *Error {
	e.Data = data
	return e
}

// NewDependencyFailed wraps the error produced by a failed dependency,
// carrying the inner error's kind and message as its data so clients can
// inspect why the dependency chain broke without losing the wrapping kind.
func NewDependencyFailed(inner *Error) *Error {
	return &Error{
		Kind:    DependencyFailed,
		Message: "dependency failed: " + inner.Message,
		Data:    inner,
	}
}

// FromCapabilityError adapts whatever a capability method returned into a
// reject. A capability that wants a specific kind returns a *Error
// directly; a plain error is assumed to be a deliberate application-level
// failure (e.g. "invalid token"), since it came back through the method's
// normal return path rather than a panic.
func FromCapabilityError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: Application, Message: err.Error()}
}

// MarshalJSON renders the error as the wire error-object:
// {"kind": KIND, "message": STR, "data"?: VAL}.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind    Kind        `json:"kind"`
		Message string      `json:"message"`
		Data    interface{} `json:"data,omitempty"`
	}
	return json.Marshal(wire{Kind: e.Kind, Message: e.Message, Data: e.Data})
}
