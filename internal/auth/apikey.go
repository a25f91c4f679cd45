// Package auth implements API key authentication for the Shadowfax gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "kp_" prefix.
// It caches resolved API keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// ExtractKey pulls the raw API key from a request: Authorization Bearer,
// then the x-api-key header, then the api_key query parameter. Returns ""
// when none is present.
func ExtractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw := strings.TrimPrefix(h, "Bearer "); raw != h {
			return strings.TrimSpace(raw)
		}
	}
	if raw := r.Header.Get("x-api-key"); raw != "" {
		return raw
	}
	return r.URL.Query().Get("api_key")
}

// Authenticate validates a raw key against the store and returns the key
// row. Only keys with the "kp_" prefix are handled; all others return
// ErrUnauthorized. Inactive keys return ErrKeyInactive. Daily limits are
// the caller's concern (see APIKey.DailyLimitExceeded); the row returned
// here reflects post-rollover usage, at most cacheTTL stale.
func (a *APIKeyAuth) Authenticate(ctx context.Context, raw string) (*gateway.APIKey, error) {
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.IsActive {
			return nil, gateway.ErrKeyInactive
		}
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if !key.IsActive {
		return nil, gateway.ErrKeyInactive
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)
	return key, nil
}

// RecordUsage adds n requests to the key's counters, best-effort. The
// cached row is invalidated so the next lookup observes the new usage.
func (a *APIKeyAuth) RecordUsage(ctx context.Context, keyID string, n int64) error {
	a.InvalidateByKeyID(keyID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.store.IncrementKeyUsage(ctx, keyID, n)
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (update, delete, deactivate) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
