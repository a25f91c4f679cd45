// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	// GetKeyByHash retrieves a key by its SHA-256 hash, applying the daily
	// rollover: if last_reset_date differs from today (UTC), today_usage is
	// zeroed and the date advanced before the row is returned.
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	// IncrementKeyUsage adds n to today_usage and total_usage and touches
	// last_used_at. today_usage only ever grows within a calendar day.
	IncrementKeyUsage(ctx context.Context, id string, n int64) error
}

// UpstreamStore manages pooled upstream persistence.
type UpstreamStore interface {
	CreateUpstream(ctx context.Context, u *gateway.Upstream) error
	GetUpstream(ctx context.Context, id string) (*gateway.Upstream, error)
	GetUpstreamByUUID(ctx context.Context, uuid string) (*gateway.Upstream, error)
	ListUpstreams(ctx context.Context) ([]*gateway.Upstream, error)
	UpdateUpstream(ctx context.Context, u *gateway.Upstream) error
	DeleteUpstream(ctx context.Context, id string) error

	// SelectEligibleUpstreams returns eligible upstreams (healthy, not
	// disabled, not exhausted) that allow the given model, ordered per the
	// strategy. An empty model skips the allowed-models filter. When
	// includeExhausted is set the exhausted flag is ignored (fallback path).
	SelectEligibleUpstreams(ctx context.Context, strategy, model string, includeExhausted bool) ([]*gateway.Upstream, error)

	// TouchUpstreamUsed sets last_used_at = now and increments usage_count.
	TouchUpstreamUsed(ctx context.Context, id string) error
	// MarkUpstreamUnhealthy increments error_count, records the error, and
	// clears is_healthy once error_count reaches maxErrorCount.
	MarkUpstreamUnhealthy(ctx context.Context, id, errMsg string, maxErrorCount int) error
	// MarkUpstreamHealthy zeroes error_count, clears error fields, and sets
	// is_healthy. With resetUsage it also zeroes usage_count.
	MarkUpstreamHealthy(ctx context.Context, id string, resetUsage bool) error
	// UpdateUpstreamCredentials persists a rotated credential blob.
	UpdateUpstreamCredentials(ctx context.Context, id string, creds *gateway.Credentials) error
	// UpdateUpstreamQuota writes the cached quota view from a usage probe.
	UpdateUpstreamQuota(ctx context.Context, id string, q gateway.Quota, email, accountType, rawJSON string) error
	// ListUpstreamsForUsageSync returns upstreams whose last_usage_sync is
	// null or older than the cutoff.
	ListUpstreamsForUsageSync(ctx context.Context, cutoff time.Time) ([]*gateway.Upstream, error)
	// ListUpstreamsForHealthCheck returns non-disabled upstreams with
	// check_health set, optionally restricted to currently-unhealthy rows.
	ListUpstreamsForHealthCheck(ctx context.Context, unhealthyOnly bool) ([]*gateway.Upstream, error)
	// TouchUpstreamHealthCheck records a completed probe.
	TouchUpstreamHealthCheck(ctx context.Context, id string) error
}

// OAuthSessionStore manages transient OAuth grant state.
type OAuthSessionStore interface {
	CreateOAuthSession(ctx context.Context, s *gateway.OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*gateway.OAuthSession, error)
	UpdateOAuthSession(ctx context.Context, s *gateway.OAuthSession) error
	DeleteOAuthSession(ctx context.Context, id string) error
	// DeleteOAuthSessionsBefore removes sessions created before the cutoff.
	DeleteOAuthSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	UpstreamStore
	OAuthSessionStore
	Close() error
}
