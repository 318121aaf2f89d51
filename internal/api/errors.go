package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
)

// Error represents a structured error response.
type Error struct {
	Status    int       `json:"status"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Common error codes.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternal        = "internal_error"
	ErrCodeValidation      = "validation_error"
	ErrCodeNotImplemented  = "not_implemented"
	ErrCodeUnavailable     = "service_unavailable"
	ErrCodeGatewayFailure  = "gateway_error"
	ErrCodeGatewayTimeout  = "gateway_timeout"
	ErrCodeNotSupported    = "not_supported"
	ErrCodeGatewayDisabled = "gateway_not_connected"
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
		Status:    status,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
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

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeDomainError maps gateway and queue errors onto HTTP statuses.
// Unrecognised errors are logged and reported as 500.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrGatewayNotFound),
		errors.Is(err, gateway.ErrDeviceNotFound),
		errors.Is(err, gateway.ErrDeviceNotRegistered),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, commandqueue.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, commandqueue.ErrConflict),
		errors.Is(err, commandqueue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, commandqueue.ErrInvalidCommand),
		errors.Is(err, gateway.ErrInvalidConfig),
		errors.Is(err, gateway.ErrUnknownType):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, gateway.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, ErrCodeNotImplemented, err.Error())
	case errors.Is(err, gateway.ErrCapabilityUnsupported),
		errors.Is(err, connection.ErrSendNotSupported):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeNotSupported, err.Error())
	case errors.Is(err, gateway.ErrNotConnected),
		errors.Is(err, gateway.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, ErrCodeGatewayDisabled, err.Error())
	case errors.Is(err, gateway.ErrNoSynchronizer):
		writeUnavailable(w, err.Error())
	case errors.Is(err, gateway.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, err.Error())
	case errors.Is(err, gateway.ErrRemote),
		errors.Is(err, gateway.ErrUnexpectedResponse),
		errors.Is(err, gateway.ErrCommandFailed):
		writeError(w, http.StatusBadGateway, ErrCodeGatewayFailure, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
		writeInternalError(w, "internal server error")
	}
}
