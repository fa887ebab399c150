// Package api implements the gateway's two HTTP surfaces on a Chi router:
// the OpenAI-compatible inference façade under /v1 and the management façade
// under /management. The inference surface speaks the OpenAI wire format,
// including its error envelope; the management surface uses a plain
// data/error envelope.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelgate-io/modelgate/internal/dispatch"
)

// ─── OpenAI error envelope ───────────────────────────────────────────────────

// apiError is a request failure destined for the OpenAI error envelope.
// Validation and dispatch both produce these; writeOpenAIError renders them.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}

func (e *apiError) Error() string { return e.Message }

// writeOpenAIError writes {"error": {...}} with the error's HTTP status.
func writeOpenAIError(w http.ResponseWriter, e *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]*apiError{"error": e})
}

// invalidParam builds the 400 response for a field outside its allowed range.
func invalidParam(param, message string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Message: message,
		Type:    "invalid_request_error",
		Code:    "invalid_parameter_value",
		Param:   param,
	}
}

// missingParam builds the 400 response for an absent required field.
func missingParam(param string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Message: "missing required parameter: " + param,
		Type:    "invalid_request_error",
		Code:    "missing_required_parameter",
		Param:   param,
	}
}

// dispatchError converts a broker terminal error into its OpenAI envelope.
// The kind strings are surfaced to clients verbatim as error codes.
func dispatchError(err error) *apiError {
	switch {
	case errors.Is(err, dispatch.ErrNoAvailableAgents):
		return &apiError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "service_unavailable_error",
			Code:    "no_available_agents",
		}
	case errors.Is(err, dispatch.ErrModelLoadFailed):
		return &apiError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "service_unavailable_error",
			Code:    "model_load_failed",
		}
	case errors.Is(err, dispatch.ErrAgentDisconnected):
		return &apiError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "service_unavailable_error",
			Code:    "agent_disconnected",
		}
	case errors.Is(err, dispatch.ErrTimeout):
		return &apiError{
			Status:  http.StatusGatewayTimeout,
			Message: err.Error(),
			Type:    "timeout_error",
			Code:    "timeout",
		}
	case errors.Is(err, dispatch.ErrEmptyResponse):
		return &apiError{
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
			Type:    "server_error",
			Code:    "empty_response",
		}
	default:
		return &apiError{
			Status:  http.StatusInternalServerError,
			Message: "an internal error occurred",
			Type:    "server_error",
			Code:    "server_error",
		}
	}
}

// ─── Management envelope ─────────────────────────────────────────────────────

// envelope is the JSON wrapper for management responses.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in management responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{Message: message, Code: code},
	})
}

// ErrBadRequest writes a 400 Bad Request management error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrNotFound writes a 404 Not Found management error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict management error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrInternal writes a 500 Internal Server Error management response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := jsonDecode(r, dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func jsonDecode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
