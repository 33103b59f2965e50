// Package apperr carries the typed failures returned by the services. Handlers
// translate a Kind into an HTTP status and only ever show Message to callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindAuthenticationFailed
	KindDeviceNotApproved
	KindDeviceNotFound
	KindUserNotFound
	KindValidation
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindDeviceNotApproved:
		return "device_not_approved"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindUserNotFound:
		return "user_not_found"
	case KindValidation:
		return "validation_error"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal_error"
	}
}

// Error is a failure with a caller-safe message. Err keeps the underlying
// cause for server-side logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.ErrDeviceNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrDeviceNotApproved    = &Error{Kind: KindDeviceNotApproved}
	ErrDeviceNotFound       = &Error{Kind: KindDeviceNotFound}
	ErrUserNotFound         = &Error{Kind: KindUserNotFound}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrForbidden            = &Error{Kind: KindForbidden}
	ErrInternal             = &Error{Kind: KindInternal}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func AuthenticationFailed(msg string) *Error { return New(KindAuthenticationFailed, msg) }
func DeviceNotApproved(msg string) *Error    { return New(KindDeviceNotApproved, msg) }
func Validation(msg string) *Error           { return New(KindValidation, msg) }
func Forbidden(msg string) *Error            { return New(KindForbidden, msg) }

func DeviceNotFound() *Error { return New(KindDeviceNotFound, "Device not found.") }
func UserNotFound() *Error   { return New(KindUserNotFound, "User not found.") }

// Internal wraps cause behind a generic message.
func Internal(msg string, cause error) *Error {
	if msg == "" {
		msg = "Internal server error."
	}
	return &Error{Kind: KindInternal, Message: msg, Err: cause}
}

// KindOf reports the Kind of err. Untyped errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Internal server error."
}

// HTTPStatus maps a Kind to its response status.
func HTTPStatus(k Kind) int {
	switch k {
	case KindAuthenticationFailed:
		return http.StatusUnauthorized
	case KindDeviceNotApproved, KindForbidden:
		return http.StatusForbidden
	case KindDeviceNotFound, KindUserNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
