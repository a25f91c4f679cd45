package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKeyInactive        = errors.New("api key inactive")
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	ErrModelNotSupported  = errors.New("model not supported")
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrNoUpstream         = errors.New("no upstream available")
	ErrQuotaExhausted     = errors.New("upstream quota exhausted")
	ErrUpstreamError      = errors.New("upstream error")
	ErrSessionTerminal    = errors.New("oauth session already terminal")
)
