package errors

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is the standardized error format returned to clients.
type ErrorResponse struct {
	Error     ErrorCode      `json:"error"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// NewErrorResponse creates a standardized error response with a correlation timestamp.
func NewErrorResponse(code ErrorCode, message string, details map[string]any) ErrorResponse {
	return ErrorResponse{
		Error:     code,
		Message:   message,
		Retryable: code.IsRetryable(),
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WriteJSON writes the error response as JSON with the status implied by the code.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	status := e.Error.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError is a convenience function to write an error response in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

// WriteSimpleError writes an error with no additional details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}
