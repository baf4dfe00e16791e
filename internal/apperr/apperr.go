// Package apperr defines the error taxonomy shared by every sync engine
// component (§7 of the spec). Each error carries an HTTP-independent code so
// the httpapi layer maps it to a status code in one place instead of every
// handler re-deriving it.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeNotConnected      Code = "not_connected"
	CodeInvalidState      Code = "invalid_state"
	CodeRateLimited       Code = "rate_limited"
	CodeUpstreamTransient Code = "upstream_transient"
	CodeUpstreamPermanent Code = "upstream_permanent"
	CodeRepository        Code = "repository"
	CodeInternal          Code = "internal"
)

// Error is the typed error every component surfaces outward. Normalization
// errors are deliberately NOT representable here: §4.D requires they stay
// internal, counted rather than propagated.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // only meaningful for CodeRateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: "upstream rate limit exhausted", RetryAfter: retryAfter}
}

func NotConnected(msg string) *Error {
	return &Error{Code: CodeNotConnected, Message: msg}
}

func InvalidState(msg string) *Error {
	return &Error{Code: CodeInvalidState, Message: msg}
}

// As is a small convenience wrapper over errors.As for the common case of
// extracting the typed *Error out of an arbitrary error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
