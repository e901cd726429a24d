package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind defines different categories of errors
type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindAuthentication Kind = "AUTHENTICATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindRateLimit      Kind = "RATE_LIMIT"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindQuery          Kind = "QUERY"
	KindStorage        Kind = "STORAGE"
	KindWalkerLimit    Kind = "WALKER_LIMIT"
	KindInternal       Kind = "INTERNAL"
)

// AppError is the custom error type for the application
type AppError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the error kind to an HTTP status code.
// Walker limit errors report as 200: the walker ran successfully up to
// its cap and the limit is surfaced inside the response body.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuery:
		return http.StatusBadRequest
	case KindStorage:
		return http.StatusInternalServerError
	case KindWalkerLimit:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the wire-level error_code for the response body.
func (e *AppError) ErrorCode() string {
	return string(e.Kind) + "_ERROR"
}

// Constructor functions for different error kinds

// NewValidation creates a validation error
func NewValidation(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// NewAuthentication creates an authentication error
func NewAuthentication(message string) *AppError {
	return &AppError{Kind: KindAuthentication, Message: message}
}

// NewAuthorization creates an authorization error
func NewAuthorization(message string) *AppError {
	return &AppError{Kind: KindAuthorization, Message: message}
}

// NewRateLimit creates a rate limit error
func NewRateLimit(message string) *AppError {
	return &AppError{Kind: KindRateLimit, Message: message}
}

// NewNotFound creates a not found error
func NewNotFound(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

// NewConflict creates a conflict error
func NewConflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message}
}

// NewQuery creates a malformed-query error
func NewQuery(message string) *AppError {
	return &AppError{Kind: KindQuery, Message: message}
}

// NewUnknownOperator creates a query error for an unrecognized operator.
func NewUnknownOperator(op string) *AppError {
	e := NewQuery("unknown operator")
	e.WithDetail("reason", "unknown_operator")
	e.WithDetail("op", op)
	return e
}

// NewStorage creates a backend failure error
func NewStorage(message string, err error) *AppError {
	return &AppError{Kind: KindStorage, Message: message, Err: err}
}

// NewWalkerLimit creates a traversal cap error
func NewWalkerLimit(message string) *AppError {
	return &AppError{Kind: KindWalkerLimit, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the kind
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Details: appErr.Details,
			Err:     appErr.Err,
		}
	}

	return &AppError{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of an error, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Kind checking functions

func IsValidation(err error) bool     { return isKind(err, KindValidation) }
func IsAuthentication(err error) bool { return isKind(err, KindAuthentication) }
func IsAuthorization(err error) bool  { return isKind(err, KindAuthorization) }
func IsRateLimit(err error) bool      { return isKind(err, KindRateLimit) }
func IsNotFound(err error) bool       { return isKind(err, KindNotFound) }
func IsConflict(err error) bool       { return isKind(err, KindConflict) }
func IsQuery(err error) bool          { return isKind(err, KindQuery) }
func IsStorage(err error) bool        { return isKind(err, KindStorage) }
func IsWalkerLimit(err error) bool    { return isKind(err, KindWalkerLimit) }

func isKind(err error, k Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == k
}

// Retryable reports whether an error is worth retrying.
// Only transient backend failures qualify; domain errors never do.
func Retryable(err error) bool {
	return isKind(err, KindStorage)
}
