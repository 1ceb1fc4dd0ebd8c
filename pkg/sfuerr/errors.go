package sfuerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse error taxonomy. Every error that crosses the signaling
// boundary belongs to exactly one kind; the kind decides the propagation policy
// (reply-only, rollback-then-reply, or conference teardown).
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindAuthorization      Kind = "AuthorizationError"
	KindInvalidState       Kind = "InvalidState"
	KindIncompatibleCodecs Kind = "IncompatibleCodecs"
	KindCapacityExceeded   Kind = "CapacityExceeded"
	KindEngineError        Kind = "EngineError"
	KindEngineUnavailable  Kind = "EngineUnavailable"
	KindOperationTimeout   Kind = "OperationTimeout"
	KindProtocolError      Kind = "ProtocolError"
)

// Error is the error type surfaced to signaling clients. Code is the specific
// condition name that goes on the wire (e.g. "DuplicateParticipant"), Kind the
// taxonomy bucket it belongs to.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

// Is makes sentinels usable with errors.Is: two errors match when their codes
// match, so `errors.Is(err, sfuerr.DuplicateParticipant)` works on wrapped
// copies carrying extra context.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// With returns a copy of the sentinel with a formatted message attached.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

// Named error conditions. The variable name, the Code and the wire
// representation are deliberately identical.
var (
	ConferenceNotFound    = &Error{Kind: KindNotFound, Code: "ConferenceNotFound"}
	ParticipantNotFound   = &Error{Kind: KindNotFound, Code: "ParticipantNotFound"}
	TargetNotFound        = &Error{Kind: KindNotFound, Code: "TargetNotFound"}
	TransportNotFound     = &Error{Kind: KindNotFound, Code: "TransportNotFound"}
	ProducerNotFound      = &Error{Kind: KindNotFound, Code: "ProducerNotFound"}
	ConsumerNotFound      = &Error{Kind: KindNotFound, Code: "ConsumerNotFound"}
	Unauthorized          = &Error{Kind: KindAuthorization, Code: "AuthorizationError"}
	DuplicateParticipant  = &Error{Kind: KindInvalidState, Code: "DuplicateParticipant"}
	AlreadyExists         = &Error{Kind: KindInvalidState, Code: "AlreadyExists"}
	InvalidState          = &Error{Kind: KindInvalidState, Code: "InvalidState"}
	InvalidTarget         = &Error{Kind: KindInvalidState, Code: "InvalidTarget"}
	TransportNotReady     = &Error{Kind: KindInvalidState, Code: "TransportNotReady"}
	TransportNotConnected = &Error{Kind: KindInvalidState, Code: "TransportNotConnected"}
	AlreadyConsuming      = &Error{Kind: KindInvalidState, Code: "AlreadyConsuming"}
	IncompatibleCodecs    = &Error{Kind: KindIncompatibleCodecs, Code: "IncompatibleCodecs"}
	CapacityExceeded      = &Error{Kind: KindCapacityExceeded, Code: "CapacityExceeded"}
	EngineError           = &Error{Kind: KindEngineError, Code: "EngineError"}
	EngineUnavailable     = &Error{Kind: KindEngineUnavailable, Code: "EngineUnavailable"}
	OperationTimeout      = &Error{Kind: KindOperationTimeout, Code: "OperationTimeout"}
	ProtocolError         = &Error{Kind: KindProtocolError, Code: "ProtocolError"}
)

// CodeOf extracts the wire code from an arbitrary error. Unknown errors are
// mapped to EngineError since the only non-taxonomy errors that can reach the
// signaling boundary come from the engine.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EngineError.Code
}

// KindOf extracts the taxonomy kind from an arbitrary error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngineError
}

// Engine wraps an engine failure, preserving the cause for logs while the wire
// sees a plain EngineError.
func Engine(err error) error {
	return fmt.Errorf("%w: %s", EngineError, err)
}

// FromEngine maps the failure of an engine call made under an operation
// deadline: deadline hits become OperationTimeout, taxonomy errors pass
// through, anything else is an EngineError carrying the cause.
func FromEngine(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OperationTimeout.With("engine call exceeded the operation deadline")
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Engine(err)
}
