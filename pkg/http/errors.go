package http

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error             string `json:"error"`                        // Machine-readable error code
	Message           string `json:"message"`                      // Human-readable message
	Details           string `json:"details,omitempty"`            // Optional additional context
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"` // Set on rejected verification codes
}

// WriteJSON writes v as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message, Details: details})
}

// WriteInvalidCode writes a rejected verification code with the attempts left
func WriteInvalidCode(w http.ResponseWriter, message string, remaining int) {
	WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:             "invalid_code",
		Message:           message,
		AttemptsRemaining: &remaining,
	})
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

// WriteConflictState reports a request that is valid but arrives in the
// wrong state, such as an out-of-order login step
func WriteConflictState(w http.ResponseWriter, errorCode, message string) {
	WriteError(w, http.StatusConflict, errorCode, message)
}

func WriteGone(w http.ResponseWriter, errorCode, message string) {
	WriteError(w, http.StatusGone, errorCode, message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}
