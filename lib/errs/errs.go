// Package errs defines the error taxonomy shared by the router components.
//
// Every error raised by the coordination layer carries a Kind so callers can tell a malformed request from an
// unavailable peer, a business-rule rejection, an authority violation, a timeout or a bad setup:
//
//	if errors.Is(err, errs.ErrTransfer) { ... }
//	switch errs.KindOf(err) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind uint8

// Error kinds.
const (
	Unknown Kind = iota
	Validation
	Network
	Transfer
	Security
	Timeout
	Configuration
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case Network:
		return "NetworkError"
	case Transfer:
		return "TransferError"
	case Security:
		return "SecurityError"
	case Timeout:
		return "TimeoutError"
	case Configuration:
		return "ConfigurationError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error. Op names the operation that failed, Msg is a human readable description and Err the
// wrapped cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Kind sentinels, usable as errors.Is targets.
var (
	ErrValidation    = &Error{Kind: Validation}
	ErrNetwork       = &Error{Kind: Network}
	ErrTransfer      = &Error{Kind: Transfer}
	ErrSecurity      = &Error{Kind: Security}
	ErrTimeout       = &Error{Kind: Timeout}
	ErrConfiguration = &Error{Kind: Configuration}
)

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}

	if e.Op == "" {
		return msg
	}

	return e.Op + ": " + msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the bare sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost classified error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unknown
}

// New returns a classified error with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err adding a formatted message. A nil err returns nil.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}
