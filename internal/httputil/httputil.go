package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ErrInvalidParam marks a malformed path or query parameter. Error answers it with 400.
var ErrInvalidParam = errors.New("invalid parameter")

// PathVar returns a chi path variable.
func PathVar(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// QueryLimit reads a positive page size, falling back to def when the parameter is
// absent or unusable and capping it at max.
func QueryLimit(r *http.Request, name string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		n = def
	}
	return min(n, max)
}

// QueryDuration parses a Go duration such as "5s". An absent parameter is zero.
// Values above max are capped.
func QueryDuration(r *http.Request, name string, max time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidParam, name, raw)
	}
	return min(d, max), nil
}

// OkJSON writes v with 200 OK.
func OkJSON(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx answer. RequestID is set on the
// per-request routes so a poller can match the failure to what it asked for.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Error answers err: 400 with its text for ErrInvalidParam, otherwise a bare 500.
func Error(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidParam) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Message: err.Error()})
		return
	}
	InternalError(w, "")
}

// RequestError answers a failure concerning one relay request.
func RequestError(w http.ResponseWriter, code int, requestID, message string) {
	writeJSON(w, code, ErrorResponse{Code: code, Message: message, RequestID: requestID})
}

func BadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Message: message})
}

func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: http.StatusUnauthorized, Message: message})
}

func InternalError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "internal server error"
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: http.StatusInternalServerError, Message: message})
}
