// Package meshbuserr defines the typed error taxonomy shared by every
// meshbus component. Errors carry a Kind, an optional context string, and
// an optional wrapped cause, and know whether the failing operation is
// worth retrying.
package meshbuserr

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy. Each Kind maps to exactly one
// sentinel below so callers can use errors.Is against the package-level
// vars instead of comparing Kind directly.
type Kind int

const (
	// KindMethodNotFound means the request topic had no registered handler.
	KindMethodNotFound Kind = iota
	// KindInvalidRequest means the topic or payload was malformed.
	KindInvalidRequest
	// KindSerialization means the codec failed to encode or decode a payload.
	KindSerialization
	// KindTimeout means a Call's deadline elapsed before a response arrived.
	KindTimeout
	// KindConnectionLost means the receive loop terminated and the hub is
	// shutting down or has shut down.
	KindConnectionLost
	// KindTransportClosed means the transport was explicitly closed.
	KindTransportClosed
	// KindBusBackpressure means the underlying bus queue is saturated.
	KindBusBackpressure
	// KindServiceError wraps a handler-reported failure.
	KindServiceError
	// KindSubscriptionRejected means the server refused a pending subscription sink.
	KindSubscriptionRejected
)

func (k Kind) String() string {
	switch k {
	case KindMethodNotFound:
		return "method_not_found"
	case KindInvalidRequest:
		return "invalid_request"
	case KindSerialization:
		return "serialization"
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection_lost"
	case KindTransportClosed:
		return "transport_closed"
	case KindBusBackpressure:
		return "bus_backpressure"
	case KindServiceError:
		return "service_error"
	case KindSubscriptionRejected:
		return "subscription_rejected"
	default:
		return "unknown"
	}
}

// Retryable reports whether operations failing with this Kind are worth
// retrying.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnectionLost, KindTransportClosed, KindBusBackpressure:
		return true
	default:
		// KindServiceError retryability is handler-defined; the framework
		// itself treats it as non-retryable by default.
		return false
	}
}

// Error is the concrete error type returned by meshbus operations.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Context)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this specific error is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// Is makes errors.Is(err, sentinel) match on Kind alone, so callers can
// write errors.Is(err, meshbuserr.ErrTimeout) without caring about context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given Kind with a context message.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap constructs an *Error of the given Kind wrapping cause, with an
// optional context message.
func Wrap(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Sentinel values for errors.Is comparisons against a bare Kind.
var (
	ErrMethodNotFound       = &Error{Kind: KindMethodNotFound}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrSerialization        = &Error{Kind: KindSerialization}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrConnectionLost       = &Error{Kind: KindConnectionLost}
	ErrTransportClosed      = &Error{Kind: KindTransportClosed}
	ErrBusBackpressure      = &Error{Kind: KindBusBackpressure}
	ErrServiceError         = &Error{Kind: KindServiceError}
	ErrSubscriptionRejected = &Error{Kind: KindSubscriptionRejected}
)

// As reports whether err is (or wraps) a *Error, returning it if so.
func As(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// Retryable reports whether err is worth retrying. Non-meshbus errors are
// treated as non-retryable.
func Retryable(err error) bool {
	me, ok := As(err)
	if !ok {
		return false
	}
	return me.Retryable()
}
