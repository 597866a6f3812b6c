// Package apperr defines the business error taxonomy shared by the voucher and
// coin-session services and translated to HTTP status codes by the API layer.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
)

// Error is a typed business failure. Status carries the record status observed
// when the operation was rejected, so callers can tell "expired" from "revoked"
// from "already redeemed".
type Error struct {
	Kind       Kind
	Message    string
	Status     string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (status: %s)", e.Message, e.Status)
	}
	return e.Message
}

// Is matches on kind, so errors.Is(err, apperr.ErrConflict) holds for every conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrConflict     = &Error{Kind: KindConflict, Message: "conflict"}
	ErrRateLimited  = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrValidation   = &Error{Kind: KindValidation, Message: "validation error"}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
)

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func InvalidState(msg, status string) *Error {
	return &Error{Kind: KindInvalidState, Message: msg, Status: status}
}

func Conflict(msg, status string) *Error {
	return &Error{Kind: KindConflict, Message: msg, Status: status}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded, please try again later", RetryAfter: retryAfter}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
