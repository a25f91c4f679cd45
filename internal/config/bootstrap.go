package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
// Seeding is idempotent: keys that already exist (by hash) are skipped.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		limit := k.DailyLimit
		if limit <= 0 {
			limit = -1
		}

		key := &gateway.APIKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			KeyHash:       hash,
			KeyPrefix:     prefix,
			Name:          k.Name,
			DailyLimit:    limit,
			LastResetDate: time.Now().UTC().Format(time.DateOnly),
			IsActive:      true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}
