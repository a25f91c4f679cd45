// Package server implements the HTTP transport layer for the Shadowfax gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/oauth"
	"github.com/eugener/shadowfax/internal/storage"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Authenticator validates raw inbound API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*gateway.APIKey, error)
}

// Pool selects upstreams and records outcomes.
type Pool interface {
	Acquire(ctx context.Context, model string) (*gateway.Upstream, error)
	ReportSuccess(ctx context.Context, id string)
	ReportError(ctx context.Context, id, msg string)
	ExecuteWithRetry(ctx context.Context, model string, fn func(ctx context.Context, u *gateway.Upstream) error) error
}

// UpstreamCaller executes canonical requests against one upstream.
type UpstreamCaller interface {
	Call(ctx context.Context, u *gateway.Upstream, req *gateway.Request) (*gateway.Completion, error)
	Stream(ctx context.Context, u *gateway.Upstream, req *gateway.Request) (<-chan gateway.StreamEvent, error)
}

// UsageRecorder records API key usage asynchronously.
type UsageRecorder interface {
	Record(keyID string, tokens int64)
}

// TokenCounter estimates token counts for requests and text.
type TokenCounter interface {
	EstimateRequest(req *gateway.Request) int
	CountText(text string) int
}

// QuotaSyncer refreshes one upstream's cached quota on demand.
type QuotaSyncer interface {
	SyncUpstream(ctx context.Context, u *gateway.Upstream) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth     Authenticator
	Pool     Pool
	Caller   UpstreamCaller
	Counter  TokenCounter
	Usage    UsageRecorder        // nil = no usage recording
	Metrics  *telemetry.Metrics   // nil = no metrics routes or middleware
	Registry *prometheus.Registry // registry backing Metrics, for /metrics
	Store    storage.Store        // admin CRUD
	OAuth    *oauth.Driver        // nil = oauth admin routes return 503
	Quota    QuotaSyncer          // nil = no on-demand quota refresh
	AdminKey string               // empty = admin routes disabled
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	if deps.Store != nil {
		s.keys = auth.NewKeyManager(deps.Store)
	}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/health", s.handleHealth)

	// Client-facing API (key auth inside the handlers, so each dialect can
	// shape its own error body).
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/messages", s.handleMessages)
	r.Get("/v1/models", s.handleListModels)

	if deps.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			s.mountAdminRoutes(r)
		})
	}

	return r
}

type server struct {
	deps Deps
	keys *auth.KeyManager
}
