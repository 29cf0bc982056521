// Package rperrors implements the closed error taxonomy that every
// component boundary classifies its failures into before surfacing them
// to callers.
package rperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is a stable, closed set of error classifications.
type Kind string

const (
	InvalidParam   Kind = "invalid_param"
	NotInitialised Kind = "not_initialised"
	InvalidState   Kind = "invalid_state"
	NotRegistered  Kind = "not_registered"
	AuthFailed     Kind = "auth_failed"
	Network        Kind = "network"
	Protocol       Kind = "protocol"
	Timeout        Kind = "timeout"
	Memory         Kind = "memory"
	Crypto         Kind = "crypto"
	NotConnected   Kind = "not_connected"
	NotFound       Kind = "not_found"
)

// Error wraps an underlying cause with a taxonomy Kind and a human-readable
// message. It is never constructed with a raw, unclassified cause escaping
// a component boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, rperrors.Network) style matching against a bare
// Kind wrapped in a zero-value *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values usable with errors.Is(err, rperrors.ErrTimeout) etc.,
// for callers that only care about the kind and not the message/cause.
var (
	ErrInvalidParam   = &Error{Kind: InvalidParam}
	ErrNotInitialised = &Error{Kind: NotInitialised}
	ErrInvalidState   = &Error{Kind: InvalidState}
	ErrNotRegistered  = &Error{Kind: NotRegistered}
	ErrAuthFailed     = &Error{Kind: AuthFailed}
	ErrNetwork        = &Error{Kind: Network}
	ErrProtocol       = &Error{Kind: Protocol}
	ErrTimeout        = &Error{Kind: Timeout}
	ErrMemory         = &Error{Kind: Memory}
	ErrCrypto         = &Error{Kind: Crypto}
	ErrNotConnected   = &Error{Kind: NotConnected}
	ErrNotFound       = &Error{Kind: NotFound}
)

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Classify maps a raw lower-level error into the taxonomy at a component
// boundary, per the propagation policy: lower-level errors are never
// propagated raw past the boundary that produced them.
func Classify(message string, err error) *Error {
	if err == nil {
		return nil
	}

	var rpErr *Error
	if errors.As(err, &rpErr) {
		return rpErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(Timeout, message, err)
		}
		return Wrap(Network, message, err)
	}

	if errors.Is(err, context.Canceled) {
		return Wrap(Network, message, err)
	}

	return Wrap(Network, message, err)
}

// ClassifyHTTPStatus maps an HTTP status code to a taxonomy Kind, per
// spec.md 4.F step 7: 200 is success; 403/404/409 are auth/protocol
// failures; anything else unexpected is a protocol error.
func ClassifyHTTPStatus(status int) *Error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusForbidden, http.StatusConflict:
		return New(AuthFailed, fmt.Sprintf("session-init rejected with status %d", status))
	case http.StatusNotFound:
		return New(Protocol, fmt.Sprintf("session-init rejected with status %d", status))
	default:
		return New(Protocol, fmt.Sprintf("session-init returned unexpected status %d", status))
	}
}
