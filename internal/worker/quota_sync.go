package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/kiro"
	"github.com/eugener/shadowfax/internal/storage"
)

const quotaSyncInterval = 60 * time.Second

// UsageFetcher retrieves the raw usage-limits document for an upstream.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, u *gateway.Upstream) ([]byte, error)
}

// QuotaSyncWorker periodically reconciles cached upstream quota views
// against the provider's usage-limits endpoint, stalest upstreams first.
type QuotaSyncWorker struct {
	store   storage.UpstreamStore
	fetcher UsageFetcher
	logger  *slog.Logger

	// Interval overrides the sweep cadence when positive. The staleness
	// cutoff follows it: a sweep refreshes upstreams whose last sync is
	// older than one interval.
	Interval time.Duration

	running atomic.Bool
}

// NewQuotaSyncWorker creates a QuotaSyncWorker. A nil logger uses the
// default.
func NewQuotaSyncWorker(store storage.UpstreamStore, fetcher UsageFetcher, logger *slog.Logger) *QuotaSyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaSyncWorker{store: store, fetcher: fetcher, logger: logger}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

func (w *QuotaSyncWorker) effectiveInterval() time.Duration {
	if w.Interval > 0 {
		return w.Interval
	}
	return quotaSyncInterval
}

// Run performs an initial sweep, then reconciles stale quotas until ctx is
// cancelled. A tick that fires while a sweep is still running is skipped.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.effectiveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QuotaSyncWorker) sweep(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("quota sweep still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	cutoff := time.Now().UTC().Add(-w.effectiveInterval())
	stale, err := w.store.ListUpstreamsForUsageSync(ctx, cutoff)
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "quota sweep listing failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, u := range stale {
		if ctx.Err() != nil {
			return
		}
		if err := w.SyncUpstream(ctx, u); err != nil {
			w.logger.LogAttrs(ctx, slog.LevelWarn, "quota sync failed",
				slog.String("upstream", u.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SyncUpstream fetches and persists the quota view for one upstream. It is
// also called on demand from the admin API.
func (w *QuotaSyncWorker) SyncUpstream(ctx context.Context, u *gateway.Upstream) error {
	raw, err := w.fetcher.FetchUsage(ctx, u)
	if err != nil {
		return err
	}
	sum := kiro.NormalizeUsage(raw)
	if err := w.store.UpdateUpstreamQuota(ctx, u.ID, sum.Quota, sum.Email, sum.AccountType, string(raw)); err != nil {
		return err
	}
	w.logger.LogAttrs(ctx, slog.LevelDebug, "quota synced",
		slog.String("upstream", u.ID),
		slog.Float64("used", sum.Quota.Used),
		slog.Float64("limit", sum.Quota.Limit),
		slog.Bool("exhausted", sum.Quota.Exhausted),
	)
	return nil
}
