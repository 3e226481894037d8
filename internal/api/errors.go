package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/aromalink-core/internal/aromalink"
	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// CloudCode is the vendor's envelope code for a rejected command.
	CloudCode int `json:"cloud_code,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeRejected    = "command_rejected"
	ErrCodeUpstream    = "upstream_error"
	ErrCodeUnavailable = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCommandError maps a SendCommand failure onto a response.
func writeCommandError(w http.ResponseWriter, err error) {
	var cmdErr *cloud.CommandError
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, cloud.ErrInvalidCommand),
		errors.Is(err, device.ErrInvalidDuration),
		errors.Is(err, device.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.As(err, &cmdErr):
		writeJSON(w, http.StatusBadGateway, Error{
			Status:    http.StatusBadGateway,
			Code:      ErrCodeRejected,
			Message:   cmdErr.Msg,
			CloudCode: cmdErr.Code,
		})
	case errors.Is(err, aromalink.ErrClosed), errors.Is(err, aromalink.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}
