package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/logger"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeAppError(w, r, apperr.New(apperr.KindValidation, "request body too large"))
		} else {
			writeAppError(w, r, apperr.New(apperr.KindValidation, "invalid request body"))
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a validation error and returns false when value is empty.
func requireField(w http.ResponseWriter, r *http.Request, value, fieldName string) bool {
	if value == "" {
		writeAppError(w, r, apperr.New(apperr.KindValidation, "%s is required", fieldName))
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Response envelope
//
// Every REST response on the gateway's surface uses the envelope shape from
// §6: a success envelope carrying the request's correlation id alongside its
// data, and an error envelope carrying a machine-readable code.
// ---------------------------------------------------------------------------

type envelope struct {
	Type      string     `json:"type"`
	Data      any        `json:"data,omitempty"`
	RequestID string     `json:"requestId"`
	Error     *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := envelope{Type: "ok", Data: data, RequestID: logger.RequestID(r.Context())}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeAppError renders err (an *apperr.Error, or any error mapped to
// KindInternal) as the error envelope, logging server-side detail while
// never leaking it to the client for internal-kind errors.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(apperr.KindInternal, err, "internal server error")
	}
	if ae.Kind == apperr.KindInternal {
		slog.Error("request failed", "error", err, "path", r.URL.Path)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	env := envelope{
		Type:      "error",
		RequestID: logger.RequestID(r.Context()),
		Error: &errorBody{
			Code:      string(ae.Kind),
			Message:   ae.Message,
			Details:   ae.Details,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to write error envelope", "error", err)
	}
}
