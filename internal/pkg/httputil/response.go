// Package httputil provides the HTTP envelope, error mapping and middleware
// shared by the API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// JSON writes v without the data envelope.
func JSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Success writes {"data": v}.
func Success(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v})
}

// Error writes {"error": {"message": ...}}.
func Error(w http.ResponseWriter, status int, message string) {
	ErrorWithCode(w, status, "", message)
}

// ErrorWithCode writes an error envelope with a machine-readable code.
// An empty code is omitted.
func ErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Message: message, Code: code}})
}

// ValidationError writes a 400. Field errors from validator are listed in
// details; any other error is reported as its message.
func ValidationError(w http.ResponseWriter, err error) {
	var details any = err.Error()

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]map[string]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, map[string]string{
				"field":   fe.Field(),
				"message": fe.Tag(),
			})
		}
		details = fields
	}

	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": errorBody{Message: "validation error", Code: "validation_error", Details: details},
	})
}
