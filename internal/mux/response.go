package mux

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aperture-ai/aperture-gateway/internal/manager"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/internal/vault"
)

// ErrorResponse is the REST surface's error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and the human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// REST error codes.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAdmission      = "ADMISSION_REJECTED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeManagerError translates a SessionManager error into the REST
// taxonomy; raw causes never cross this boundary unclassified.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, manager.ErrMaxConcurrent):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, ErrCodeAdmission, "maximum concurrent sessions reached")
	case errors.Is(err, manager.ErrNotResumable):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "stored credential not found")
	case errors.Is(err, vault.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "credential vault is not configured")
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	}
}
