// ABOUTME: Standardized JSON error responses for HTTP handlers.
// ABOUTME: Maps registry and quota errors onto status codes for the admin and plugin surfaces.

package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/plugins/core"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeErrorResponse(w, ErrorResponse{Code: code, Message: message, Status: status})
}

// WriteErrorWithField names the request field that failed validation.
func WriteErrorWithField(w http.ResponseWriter, status int, code, message, field string) {
	writeErrorResponse(w, ErrorResponse{Code: code, Message: message, Status: status, Field: field})
}

func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message, details string) {
	writeErrorResponse(w, ErrorResponse{Code: code, Message: message, Status: status, Details: details})
}

// WriteErr classifies err and writes the matching response.
func WriteErr(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	WriteError(w, status, code, err.Error())
}

// Classify maps a domain error to an HTTP status and error code.
func Classify(err error) (int, string) {
	var hookErr *core.HookError
	switch {
	case stderrors.Is(err, core.ErrNotRegistered):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, core.ErrHasDependents),
		stderrors.Is(err, core.ErrDependencyInactive),
		stderrors.Is(err, core.ErrNotActive),
		stderrors.Is(err, core.ErrAlreadyRegistered),
		stderrors.Is(err, core.ErrDuplicateID):
		return http.StatusConflict, CodeConflict
	case stderrors.Is(err, core.ErrBlocked), stderrors.Is(err, core.ErrNotAllowed):
		return http.StatusForbidden, CodeForbidden
	case stderrors.Is(err, keymanager.ErrInvalidTier),
		stderrors.Is(err, core.ErrInvalidMetadata),
		stderrors.Is(err, core.ErrInvalidRegistration):
		return http.StatusBadRequest, CodeInvalidRequest
	case stderrors.As(err, &hookErr):
		return http.StatusBadGateway, CodeHookFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, resp ErrorResponse) {
	WriteJSON(w, resp.Status, resp)
}

const (
	// Client errors (4xx)
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidBody      = "invalid_request_body"
	CodeMissingField     = "missing_field"
	CodeValidationFailed = "validation_failed"
	CodeNotFound         = "not_found"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeConflict         = "conflict"

	// Server errors (5xx)
	CodeInternal           = "internal_error"
	CodeDatabaseError      = "database_error"
	CodeHookFailed         = "hook_failed"
	CodeServiceUnavailable = "service_unavailable"
)
