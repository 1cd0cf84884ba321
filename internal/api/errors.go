package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/devserver/internal/fault"
)

// Error represents a structured error response. Errors carries the fault
// chain of a failed device operation, cause first.
type Error struct {
	Status  int           `json:"status"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Errors  []fault.Frame `json:"errors,omitempty"`
}

// Common error codes for failures outside a device operation.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

// reasonStatus maps fault reasons to HTTP statuses. The outermost mapped
// frame of a chain decides.
var reasonStatus = map[fault.Reason]int{
	fault.DeviceNotFound:    http.StatusNotFound,
	fault.CommandNotFound:   http.StatusNotFound,
	fault.AttrNotFound:      http.StatusNotFound,
	fault.ClassNotFound:     http.StatusNotFound,
	fault.AsyncIDNotFound:   http.StatusNotFound,
	fault.DeviceNotPolled:   http.StatusNotFound,
	fault.ObjectNotPolled:   http.StatusNotFound,
	fault.NoHistory:         http.StatusNotFound,
	fault.IncompatibleArg:   http.StatusBadRequest,
	fault.TypeNotSupported:  http.StatusBadRequest,
	fault.AttrNotWritable:   http.StatusBadRequest,
	fault.AttrOutsideLimit:  http.StatusBadRequest,
	fault.AttrNotAllowed:    http.StatusBadRequest,
	fault.CommandNotAllowed: http.StatusConflict,
	fault.AlreadyPolled:     http.StatusConflict,
	fault.NotSupported:      http.StatusNotImplemented,
	fault.CommandTimedOut:   http.StatusGatewayTimeout,
	fault.Blocked:           http.StatusGatewayTimeout,
	fault.Timeout:           http.StatusGatewayTimeout,
	fault.CommFailure:       http.StatusServiceUnavailable,
}

// statusFor returns the HTTP status of a fault chain.
func statusFor(frames []fault.Frame) int {
	for i := len(frames) - 1; i >= 0; i-- {
		if st, ok := reasonStatus[frames[i].Reason]; ok {
			return st
		}
	}
	return http.StatusInternalServerError
}

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

// writeFault renders the fault chain of err.
func writeFault(w http.ResponseWriter, err error) {
	frames := fault.FramesOf(err)
	top := frames[len(frames)-1]
	status := statusFor(frames)
	writeJSON(w, status, Error{
		Status:  status,
		Code:    string(top.Reason),
		Message: top.Desc,
		Errors:  frames,
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

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
