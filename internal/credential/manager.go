// Package credential manages per-upstream OAuth token material: it hands
// out access tokens that are not about to expire, refreshing and persisting
// rotated tokens as needed.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
	"github.com/eugener/shadowfax/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// SafetyWindow is how close to expiry a token may get before Acquire
// refreshes it up front instead of handing it out.
const SafetyWindow = 10 * time.Minute

// Endpoints resolves the refresh URLs per region. Overridable in tests.
type Endpoints struct {
	// Social returns the Kiro desktop-auth refresh endpoint.
	Social func(region string) string
	// OIDC returns the AWS SSO-OIDC token endpoint used by builder-id and
	// IdC credentials.
	OIDC func(region string) string
}

// DefaultEndpoints returns the production refresh endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Social: func(region string) string {
			return "https://prod." + region + ".auth.desktop.kiro.dev/refreshToken"
		},
		OIDC: func(region string) string {
			return "https://oidc." + region + ".amazonaws.com/token"
		},
	}
}

// Manager holds the in-memory credential snapshot per upstream. Snapshots
// are immutable; a refresh builds a new one and swaps it wholesale, so
// reads outside the lock are safe.
type Manager struct {
	store     storage.UpstreamStore
	client    *http.Client
	endpoints Endpoints
	logger    *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	snaps map[string]*gateway.Credentials

	metrics *telemetry.Metrics
}

// SetMetrics attaches an optional refresh-outcome counter.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) { m.metrics = metrics }

func (m *Manager) countRefresh(upstream string, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.metrics.TokenRefreshes.WithLabelValues(upstream, outcome).Inc()
}

// NewManager returns a Manager backed by store. A nil client uses a
// 30-second-timeout default.
func NewManager(store storage.UpstreamStore, client *http.Client, endpoints Endpoints, logger *slog.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		client:    client,
		endpoints: endpoints,
		logger:    logger,
		snaps:     map[string]*gateway.Credentials{},
	}
}

// Acquire returns a credential snapshot for the upstream whose access token
// is valid for at least SafetyWindow, refreshing first when it is not.
func (m *Manager) Acquire(ctx context.Context, u *gateway.Upstream) (*gateway.Credentials, error) {
	snap := m.snapshot(u)
	if time.Until(snap.ExpiresAt) >= SafetyWindow {
		return snap, nil
	}
	return m.refresh(ctx, u, snap)
}

// ForceRefresh refreshes the upstream's token regardless of expiry. Used by
// the 403 recovery path. Concurrent calls for the same upstream coalesce
// into one outbound request.
func (m *Manager) ForceRefresh(ctx context.Context, u *gateway.Upstream) (*gateway.Credentials, error) {
	return m.refresh(ctx, u, m.snapshot(u))
}

// Forget drops the in-memory snapshot for an upstream, e.g. after an admin
// delete or credential re-import.
func (m *Manager) Forget(upstreamID string) {
	m.mu.Lock()
	delete(m.snaps, upstreamID)
	m.mu.Unlock()
}

// snapshot returns the freshest known credentials for the upstream: the
// in-memory copy if present, else the row's blob (cached for next time).
func (m *Manager) snapshot(u *gateway.Upstream) *gateway.Credentials {
	m.mu.RLock()
	snap := m.snaps[u.ID]
	m.mu.RUnlock()
	if snap != nil {
		return snap
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap := m.snaps[u.ID]; snap != nil {
		return snap
	}
	m.snaps[u.ID] = u.Credentials
	return u.Credentials
}

func (m *Manager) refresh(ctx context.Context, u *gateway.Upstream, old *gateway.Credentials) (*gateway.Credentials, error) {
	v, err, _ := m.group.Do(u.ID, func() (any, error) {
		// A waiter that queued behind a finished refresh sees the new
		// snapshot already in place and must not refresh again.
		m.mu.RLock()
		cur := m.snaps[u.ID]
		m.mu.RUnlock()
		if cur != nil && cur != old && time.Until(cur.ExpiresAt) >= SafetyWindow {
			return cur, nil
		}

		next, err := m.doRefresh(ctx, old)
		m.countRefresh(u.Name, err)
		if err != nil {
			return nil, err
		}
		if err := m.store.UpdateUpstreamCredentials(ctx, u.ID, next); err != nil {
			return nil, fmt.Errorf("persist refreshed credentials: %w", err)
		}
		m.mu.Lock()
		m.snaps[u.ID] = next
		m.mu.Unlock()

		m.logger.LogAttrs(ctx, slog.LevelInfo, "refreshed upstream credentials",
			slog.String("upstream", u.ID),
			slog.String("auth_method", next.AuthMethod),
			slog.Time("expires_at", next.ExpiresAt))
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gateway.Credentials), nil
}

// refreshResponse covers both the social and the SSO-OIDC response shapes;
// both use camelCase field names.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileARN   string `json:"profileArn"`
}

func (m *Manager) doRefresh(ctx context.Context, old *gateway.Credentials) (*gateway.Credentials, error) {
	var url string
	var body map[string]string
	switch old.AuthMethod {
	case gateway.AuthMethodSocial:
		url = m.endpoints.Social(old.Region)
		body = map[string]string{"refreshToken": old.RefreshToken}
	case gateway.AuthMethodBuilderID, gateway.AuthMethodIdC:
		region := old.SSORegion
		if region == "" {
			region = old.Region
		}
		url = m.endpoints.OIDC(region)
		body = map[string]string{
			"clientId":     old.ClientID,
			"clientSecret": old.ClientSecret,
			"refreshToken": old.RefreshToken,
			"grantType":    "refresh_token",
		}
	default:
		return nil, fmt.Errorf("refresh: unknown auth method %q", old.AuthMethod)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var rr refreshResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if rr.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing accessToken")
	}

	next := *old
	next.AccessToken = rr.AccessToken
	if rr.RefreshToken != "" {
		next.RefreshToken = rr.RefreshToken
	}
	if old.AuthMethod == gateway.AuthMethodSocial && rr.ProfileARN != "" {
		next.ProfileARN = rr.ProfileARN
	}
	if rr.ExpiresIn > 0 {
		next.ExpiresAt = time.Now().UTC().Add(time.Duration(rr.ExpiresIn) * time.Second)
	}
	return &next, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
