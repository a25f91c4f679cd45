package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

// KeyManager handles API key lifecycle (create, delete).
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts holds all fields for API key creation.
type CreateKeyOpts struct {
	Name       string
	UserID     string
	DailyLimit int64 // <= 0 means unlimited
}

// CreateKey generates a new API key, stores its hash, and returns the
// plaintext along with the persisted record. The plaintext is shown
// exactly once; only the hash survives.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	// 24 random bytes encode to the 32 url-safe characters after the prefix.
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix := plaintext[:12]

	limit := opts.DailyLimit
	if limit <= 0 {
		limit = -1
	}

	key := &gateway.APIKey{
		ID:            uuid.Must(uuid.NewV7()).String(),
		KeyHash:       gateway.HashKey(plaintext),
		KeyPrefix:     prefix,
		Name:          opts.Name,
		UserID:        opts.UserID,
		DailyLimit:    limit,
		LastResetDate: time.Now().UTC().Format(time.DateOnly),
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
