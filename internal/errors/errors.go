// Package errors provides error handling for the bridge.
//
// It re-exports github.com/cockroachdb/errors so that every package wraps
// and inspects errors the same way, and it defines the sentinel errors the
// bridge components use to communicate failure classes across package
// boundaries:
//
//	// Channel (transport) errors
//	ErrDisconnected, ErrAuthenticationFailed, ErrSendFailed
//
//	// Registry errors
//	ErrInvalidTransition, ErrNotFound
//
//	// Gateway errors
//	ErrServiceUnavailable, ErrInvalidRequest
//
// Wrap sentinels with Wrap or Wrapf to add context while preserving the
// class, and test with Is.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Channel errors.
var (
	// ErrDisconnected indicates the channel has no live session.
	ErrDisconnected = New("channel disconnected")

	// ErrAuthenticationFailed indicates the push network refused the
	// invitation. The connector stops retrying when it sees this.
	ErrAuthenticationFailed = New("channel authentication failed")

	// ErrSendFailed indicates a frame could not be written to the session.
	ErrSendFailed = New("channel send failed")

	// ErrMalformedFrame indicates a received message could not be decoded.
	// The session that carried it is still usable.
	ErrMalformedFrame = New("malformed frame")
)

// Registry errors.
var (
	// ErrInvalidTransition indicates an event that is illegal for the
	// job's current state.
	ErrInvalidTransition = New("invalid transition")

	// ErrNotFound indicates the requested job does not exist
	ErrNotFound = New("not found")
)

// Gateway errors.
var (
	// ErrServiceUnavailable indicates the channel is down and the request
	// should be retried later.
	ErrServiceUnavailable = New("service unavailable")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}

// IsRetryableChannelError reports whether err is a channel error the
// connector recovers from by reconnecting.
func IsRetryableChannelError(err error) bool {
	return err != nil && IsAny(err, ErrDisconnected, ErrSendFailed)
}

// IsMalformedFrameError checks if an error is or wraps ErrMalformedFrame.
func IsMalformedFrameError(err error) bool {
	return err != nil && Is(err, ErrMalformedFrame)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
