package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/homelink-core/internal/adapter"
	"github.com/nerrad567/homelink-core/internal/auth"
	"github.com/nerrad567/homelink-core/internal/automation"
	"github.com/nerrad567/homelink-core/internal/bridge"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
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

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorMapping pairs a domain sentinel with its HTTP rendering.
type errorMapping struct {
	target error
	status int
	code   string
}

// domainErrors is checked in order; the first errors.Is match wins.
var domainErrors = []errorMapping{
	// Not found
	{device.ErrDeviceNotFound, http.StatusNotFound, ErrCodeNotFound},
	{automation.ErrRuleNotFound, http.StatusNotFound, ErrCodeNotFound},
	{automation.ErrSceneNotFound, http.StatusNotFound, ErrCodeNotFound},
	{automation.ErrExecutionNotFound, http.StatusNotFound, ErrCodeNotFound},

	// Conflicts
	{device.ErrDeviceExists, http.StatusConflict, ErrCodeConflict},
	{device.ErrDeviceActive, http.StatusConflict, ErrCodeConflict},
	{automation.ErrRuleExists, http.StatusConflict, ErrCodeConflict},
	{automation.ErrSceneExists, http.StatusConflict, ErrCodeConflict},
	{automation.ErrRuleDisabled, http.StatusConflict, ErrCodeConflict},
	{automation.ErrSceneDisabled, http.StatusConflict, ErrCodeConflict},
	{bridge.ErrBridgeRunning, http.StatusConflict, ErrCodeConflict},
	{bridge.ErrBridgeNotRunning, http.StatusConflict, ErrCodeConflict},

	// Scope
	{device.ErrTenantMismatch, http.StatusForbidden, ErrCodeForbidden},
	{auth.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},

	// Validation
	{device.ErrInvalidDevice, http.StatusBadRequest, ErrCodeValidation},
	{device.ErrInvalidName, http.StatusBadRequest, ErrCodeValidation},
	{device.ErrInvalidVendor, http.StatusBadRequest, ErrCodeValidation},
	{device.ErrInvalidConnectionKind, http.StatusBadRequest, ErrCodeValidation},
	{device.ErrInvalidChannel, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrInvalidRule, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrInvalidScene, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrInvalidAction, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrInvalidName, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrNoActions, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrInvalidTrigger, http.StatusBadRequest, ErrCodeValidation},
	{automation.ErrInvalidCondition, http.StatusBadRequest, ErrCodeValidation},
	{adapter.ErrUnsupportedAction, http.StatusBadRequest, ErrCodeValidation},
	{adapter.ErrInvalidValue, http.StatusBadRequest, ErrCodeValidation},
	{capability.ErrNotWritable, http.StatusBadRequest, ErrCodeValidation},
	{capability.ErrInvalidValue, http.StatusBadRequest, ErrCodeValidation},
	{capability.ErrValueOutOfRange, http.StatusBadRequest, ErrCodeValidation},
	{bridge.ErrUnknownVendor, http.StatusBadRequest, ErrCodeValidation},
	{bridge.ErrInvalidTenant, http.StatusBadRequest, ErrCodeValidation},

	// Broker side
	{automation.ErrEngineStopped, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{mqtt.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{mqtt.ErrQueueFull, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{mqtt.ErrReconnecting, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{mqtt.ErrTimeout, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{mqtt.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// writeDomainError renders err using the first matching sentinel. Unmatched
// errors are logged by the caller and reported as a bare 500 with fallback.
func writeDomainError(w http.ResponseWriter, err error, fallback string) bool {
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return true
		}
	}
	writeInternalError(w, fallback)
	return false
}
