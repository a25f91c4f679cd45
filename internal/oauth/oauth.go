// Package oauth runs the interactive grant flows that mint new upstream
// credentials: browser redirect with PKCE for social logins, and the
// RFC 8628 device-code grant for Builder ID and Identity Center.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

// sessionTTL is the hard ceiling on any grant session, regardless of what
// the authorization server advertises.
const sessionTTL = 10 * time.Minute

// Endpoints locates the auth services. Tests point these at httptest
// servers.
type Endpoints struct {
	// Social returns the base URL of the desktop auth service for a region.
	Social func(region string) string
	// OIDC returns the base URL of the SSO OIDC service for a region.
	OIDC func(region string) string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Social: func(region string) string {
			return "https://prod." + region + ".auth.desktop.kiro.dev"
		},
		OIDC: func(region string) string {
			return "https://oidc." + region + ".amazonaws.com"
		},
	}
}

// StartResult is what the admin UI needs to walk the user through a grant.
type StartResult struct {
	SessionID string `json:"session_id"`
	// AuthURL is the browser URL for social flows, or the
	// verificationUriComplete for device-code flows.
	AuthURL  string `json:"auth_url"`
	UserCode string `json:"user_code,omitempty"`
}

// Driver owns in-progress grant sessions. Completed grants become pool
// upstreams.
type Driver struct {
	sessions  storage.OAuthSessionStore
	upstreams storage.UpstreamStore
	client    *http.Client
	endpoints Endpoints
	logger    *slog.Logger

	// CallbackPortMin and CallbackPortMax override the loopback callback
	// port range when positive.
	CallbackPortMin int
	CallbackPortMax int

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	callback *callbackServer
}

// NewDriver creates a Driver. client may be nil for http.DefaultClient.
func NewDriver(sessions storage.OAuthSessionStore, upstreams storage.UpstreamStore, client *http.Client, endpoints Endpoints, logger *slog.Logger) *Driver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		sessions:  sessions,
		upstreams: upstreams,
		client:    client,
		endpoints: endpoints,
		logger:    logger,
		cancels:   map[string]context.CancelFunc{},
	}
}

// Status returns the current session state.
func (d *Driver) Status(ctx context.Context, id string) (*gateway.OAuthSession, error) {
	return d.sessions.GetOAuthSession(ctx, id)
}

// Cancel aborts a pending session: the poll goroutine stops and the row is
// deleted. Cancelling a terminal session just deletes it.
func (d *Driver) Cancel(ctx context.Context, id string) error {
	if _, err := d.sessions.GetOAuthSession(ctx, id); err != nil {
		return err
	}
	d.mu.Lock()
	if cancel, ok := d.cancels[id]; ok {
		cancel()
		delete(d.cancels, id)
	}
	d.mu.Unlock()
	return d.sessions.DeleteOAuthSession(ctx, id)
}

// Close stops the callback server and aborts all pending polls.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.cancels {
		cancel()
		delete(d.cancels, id)
	}
	if d.callback != nil {
		d.callback.close()
		d.callback = nil
	}
}

func (d *Driver) newSession(typ, provider, region string, payload any) (*gateway.OAuthSession, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal session payload: %w", err)
	}
	return &gateway.OAuthSession{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Type:     typ,
		Provider: provider,
		Region:   region,
		Status:   gateway.OAuthStatusPending,
		Payload:  raw,
	}, nil
}

func (d *Driver) trackCancel(id string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[id] = cancel
	d.mu.Unlock()
}

func (d *Driver) untrackCancel(id string) {
	d.mu.Lock()
	if cancel, ok := d.cancels[id]; ok {
		cancel()
		delete(d.cancels, id)
	}
	d.mu.Unlock()
}

// finish marks the session terminal. Completed sessions also create a pool
// upstream from the minted credentials.
func (d *Driver) finish(ctx context.Context, sess *gateway.OAuthSession, status, errMsg string, creds *gateway.Credentials) {
	defer d.untrackCancel(sess.ID)

	// The poll context may already be cancelled; the row write must not be.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	cur, err := d.sessions.GetOAuthSession(ctx, sess.ID)
	if err != nil || cur.Terminal() {
		return
	}
	cur.Status = status
	cur.Error = errMsg
	cur.Credentials = creds
	if err := d.sessions.UpdateOAuthSession(ctx, cur); err != nil {
		d.logger.Error("oauth session update failed", "session", sess.ID, "error", err)
		return
	}

	if status != gateway.OAuthStatusCompleted {
		d.logger.LogAttrs(ctx, slog.LevelInfo, "oauth session ended",
			slog.String("session", sess.ID),
			slog.String("status", status),
			slog.String("error", errMsg),
		)
		return
	}

	up := &gateway.Upstream{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UUID:        uuid.NewString(),
		Name:        fmt.Sprintf("%s-%s", sess.Type, sess.ID[:8]),
		Region:      creds.Region,
		Credentials: creds,
		IsHealthy:   true,
		CheckHealth: true,
	}
	if err := d.upstreams.CreateUpstream(ctx, up); err != nil {
		d.logger.Error("upstream creation from oauth failed", "session", sess.ID, "error", err)
		return
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "oauth grant completed",
		slog.String("session", sess.ID),
		slog.String("type", sess.Type),
		slog.String("upstream", up.ID),
	)
}
