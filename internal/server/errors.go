package server

import (
	"encoding/json"
	"errors"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
)

// Pre-allocated Content-Type header value (see sse.go for the SSE set).
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyInactive):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrDailyLimitExceeded), errors.Is(err, gateway.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrModelNotSupported), errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrNoUpstream):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// errorType maps domain errors to the error type string both dialects use.
func errorType(err error) string {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyInactive):
		return "authentication_error"
	case errors.Is(err, gateway.ErrDailyLimitExceeded), errors.Is(err, gateway.ErrQuotaExhausted):
		return "rate_limit_error"
	case errors.Is(err, gateway.ErrModelNotSupported), errors.Is(err, gateway.ErrBadRequest):
		return "invalid_request_error"
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found_error"
	default:
		return "server_error"
	}
}

// errorBodyFunc renders a dialect error body, e.g. openai.ErrorBody.
type errorBodyFunc func(errType, message string) []byte

func writeDialectError(w http.ResponseWriter, err error, body errorBodyFunc) {
	writeRawJSON(w, errorStatus(err), body(errorType(err), err.Error()))
}
