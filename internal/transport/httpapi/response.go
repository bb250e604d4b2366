// Package httpapi exposes the stepflow service over HTTP with a chi router.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rendis/stepflow/pkg/schema"
)

// statusForCode maps FlowError codes to HTTP status codes.
var statusForCode = map[string]int{
	schema.ErrCodeValidation:        http.StatusBadRequest,
	schema.ErrCodeNotFound:          http.StatusNotFound,
	schema.ErrCodeConflict:          http.StatusConflict,
	schema.ErrCodeStaleResume:       http.StatusConflict,
	schema.ErrCodeCancelled:         http.StatusConflict,
	schema.ErrCodeInvalidTransition: http.StatusConflict,
	schema.ErrCodeTransition:        http.StatusUnprocessableEntity,
	schema.ErrCodeStepFailed:        http.StatusUnprocessableEntity,
	schema.ErrCodePlanner:           http.StatusUnprocessableEntity,
	schema.ErrCodeExpression:        http.StatusUnprocessableEntity,
	schema.ErrCodeStore:             http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusForCode[schema.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *schema.FlowError `json:"error"`
}

// WriteError writes err as a FlowError envelope. Errors without a code are
// reported as STORE_ERROR with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	fe := schema.AsFlowError(err, "")
	if fe.Code == "" {
		fe = schema.NewError(schema.ErrCodeStore, "internal error")
	}
	WriteJSON(w, StatusFor(fe), errorResponse{Error: fe})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err)
	}
	return nil
}
