package kiro

import (
	"context"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/credential"
)

// Factory builds per-upstream clients that share one transport and one
// credential manager. Clients are cheap; callers construct them per request.
type Factory struct {
	manager *credential.Manager
	cfg     Config
}

// NewFactory returns a Factory wiring clients to the credential manager.
func NewFactory(manager *credential.Manager, cfg Config) *Factory {
	return &Factory{manager: manager, cfg: cfg}
}

// Client returns a client bound to the upstream's credentials.
func (f *Factory) Client(u *gateway.Upstream) *Client {
	acquire := func(ctx context.Context) (*gateway.Credentials, error) {
		return f.manager.Acquire(ctx, u)
	}
	refresh := func(ctx context.Context) (*gateway.Credentials, error) {
		return f.manager.ForceRefresh(ctx, u)
	}
	return NewClient(u, acquire, refresh, f.cfg)
}

// Call executes a non-streaming completion against the given upstream.
func (f *Factory) Call(ctx context.Context, u *gateway.Upstream, req *gateway.Request) (*gateway.Completion, error) {
	return f.Client(u).Call(ctx, req)
}

// Stream opens a streaming completion against the given upstream.
func (f *Factory) Stream(ctx context.Context, u *gateway.Upstream, req *gateway.Request) (<-chan gateway.StreamEvent, error) {
	return f.Client(u).Stream(ctx, req)
}

// FetchUsage retrieves the raw usage-limits document for an upstream.
func (f *Factory) FetchUsage(ctx context.Context, u *gateway.Upstream) ([]byte, error) {
	return f.Client(u).GetUsage(ctx)
}

// Probe sends a minimal completion request to verify the upstream can
// serve traffic. Quota exhaustion still counts as alive.
func (f *Factory) Probe(ctx context.Context, u *gateway.Upstream) error {
	_, err := f.Client(u).Call(ctx, &gateway.Request{
		Model:     "claude-haiku-4-5",
		Messages:  []gateway.Message{{Role: "user", Content: "Hi"}},
		MaxTokens: 10,
	})
	return err
}
