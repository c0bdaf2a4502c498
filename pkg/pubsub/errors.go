package pubsub

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Subscriber lifecycle.
var (
	// ErrSubscriberClosed is returned when an operation requires a subscriber
	// that has not been closed.
	ErrSubscriberClosed = errors.New("subscriber is closed")

	// ErrSubscriberDeleted is returned once Delete has run; the subscriber
	// cannot be used again.
	ErrSubscriberDeleted = errors.New("subscriber is deleted")

	// ErrAlreadyListening is returned by Listen while a previous Listen is
	// still attached.
	ErrAlreadyListening = errors.New("subscriber is already listening")

	// ErrSubscriptionNotFound is returned by Listen when the subscription
	// does not exist on the transport.
	ErrSubscriptionNotFound = errors.New("subscription does not exist")
)

// Code classifies transport failures. The values follow the gRPC status
// space so they line up with what managed brokers return on the wire.
type Code int

const (
	CodeOK                Code = 0
	CodeInvalidArgument   Code = 3
	CodeDeadlineExceeded  Code = 4
	CodeNotFound          Code = 5
	CodeAlreadyExists     Code = 6
	CodeResourceExhausted Code = 8
	CodeAborted           Code = 10
	CodeUnimplemented     Code = 12
	CodeInternal          Code = 13
	CodeUnavailable       Code = 14
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeDeadlineExceeded:
		return "DeadlineExceeded"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeAborted:
		return "Aborted"
	case CodeUnimplemented:
		return "Unimplemented"
	case CodeInternal:
		return "Internal"
	case CodeUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// StatusError is a transport failure carrying a classification code, so
// callers can branch on the kind of failure without knowing which transport
// produced it.
type StatusError struct {
	Code     Code
	Details  string
	Metadata map[string]string
	Err      error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Details, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt. Codes that
// describe broker load or connectivity are transient; codes that describe the
// request itself are not.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case CodeDeadlineExceeded, CodeResourceExhausted, CodeAborted, CodeInternal, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Statusf builds a StatusError with a formatted details string.
func Statusf(code Code, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Details: fmt.Sprintf(format, args...)}
}

// IsStatus reports whether err carries the given status code anywhere in its
// chain.
func IsStatus(err error, code Code) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// DecodeError reports a delivery that could not be handed to a typed
// handler, either because the message was not marked as JSON or because the
// payload did not unmarshal.
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
