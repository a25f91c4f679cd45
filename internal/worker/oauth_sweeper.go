package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/shadowfax/internal/storage"
)

const (
	oauthSweepInterval = time.Minute
	oauthSessionTTL    = 10 * time.Minute
)

// OAuthSweepWorker deletes OAuth grant sessions older than their TTL,
// whether completed, failed, or simply abandoned mid-flow.
type OAuthSweepWorker struct {
	store  storage.OAuthSessionStore
	logger *slog.Logger
}

// NewOAuthSweepWorker creates an OAuthSweepWorker. A nil logger uses the
// default.
func NewOAuthSweepWorker(store storage.OAuthSessionStore, logger *slog.Logger) *OAuthSweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthSweepWorker{store: store, logger: logger}
}

// Name returns the worker identifier.
func (w *OAuthSweepWorker) Name() string { return "oauth_sweeper" }

// Run sweeps expired sessions until ctx is cancelled.
func (w *OAuthSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(oauthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.store.DeleteOAuthSessionsBefore(ctx, time.Now().UTC().Add(-oauthSessionTTL))
			if err != nil {
				w.logger.LogAttrs(ctx, slog.LevelError, "oauth sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				w.logger.Debug("oauth sessions swept", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
