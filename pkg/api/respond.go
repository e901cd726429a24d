// Package api provides the HTTP response helpers shared by all
// handlers: success envelopes, the structured error body, and
// pagination parameter extraction.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	pkgerrors "weaver/pkg/errors"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			zap.L().Error("encode response", zap.Error(err))
		}
	}
}

// WriteJSON writes an arbitrary body with an explicit status.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	writeJSON(w, status, body, nil)
}

// Success writes data as a 200 response.
func Success(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data, nil)
}

// SuccessWithHeaders writes data as a 200 response with extra headers.
func SuccessWithHeaders(w http.ResponseWriter, data interface{}, headers http.Header) {
	writeJSON(w, http.StatusOK, data, headers)
}

// Created writes data as a 201 response.
func Created(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, data, nil)
}

// Accepted writes data as a 202 response.
func Accepted(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusAccepted, data, nil)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Fail writes a structured error body with the given status.
func Fail(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	FailWithHeaders(w, status, code, message, details, nil)
}

// FailWithHeaders is Fail with extra response headers, used by the
// rate limiter for Retry-After and X-RateLimit-*.
func FailWithHeaders(w http.ResponseWriter, status int, code, message string, details map[string]interface{}, headers http.Header) {
	writeJSON(w, status, ErrorBody{ErrorCode: code, Message: message, Details: details}, headers)
}

func BadRequest(w http.ResponseWriter, message string) {
	Fail(w, http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Fail(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", message, nil)
}

func Forbidden(w http.ResponseWriter, message string) {
	Fail(w, http.StatusForbidden, "AUTHORIZATION_ERROR", message, nil)
}

func NotFound(w http.ResponseWriter, message string) {
	Fail(w, http.StatusNotFound, "NOT_FOUND_ERROR", message, nil)
}

func Conflict(w http.ResponseWriter, message string) {
	Fail(w, http.StatusConflict, "CONFLICT_ERROR", message, nil)
}

func UnprocessableEntity(w http.ResponseWriter, message string, details map[string]interface{}) {
	Fail(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// Error maps any error to its wire representation. AppError kinds keep
// their status, code and details; everything else becomes a 500 with
// the original message logged but not exposed.
func Error(w http.ResponseWriter, err error) {
	var appErr *pkgerrors.AppError
	if errors.As(err, &appErr) {
		Fail(w, appErr.HTTPStatus(), appErr.ErrorCode(), appErr.Message, appErr.Details)
		return
	}
	zap.L().Error("unhandled error", zap.Error(err))
	Fail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
}

// Decode reads a JSON request body into dst, returning a validation
// error on malformed input. An empty body decodes to the zero value.
func Decode(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return pkgerrors.NewValidation("invalid request body: " + err.Error())
	}
	return nil
}
