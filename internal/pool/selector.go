// Package pool picks one upstream per request according to the configured
// strategy, records success and failure, and drives retries across
// distinct upstreams.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/storage"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Config tunes the selector.
type Config struct {
	Strategy      string
	MaxErrorCount int
	MaxRetries    int
	BaseDelay     time.Duration
}

// Selector owns upstream selection and failure bookkeeping.
type Selector struct {
	store   storage.UpstreamStore
	breaker *circuitbreaker.Breaker
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// SetMetrics attaches optional acquisition and exhaustion counters.
func (s *Selector) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// NewSelector returns a Selector. A nil breaker disables the in-process
// fast gate.
func NewSelector(store storage.UpstreamStore, breaker *circuitbreaker.Breaker, cfg Config, logger *slog.Logger) *Selector {
	if cfg.Strategy == "" {
		cfg.Strategy = gateway.StrategyLRU
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, breaker: breaker, cfg: cfg, logger: logger}
}

// Acquire picks the first eligible upstream for the model and records the
// pick (last_used_at, usage_count). When every eligible upstream is
// quota-exhausted the exhaustion flag is ignored as a last resort.
func (s *Selector) Acquire(ctx context.Context, model string) (*gateway.Upstream, error) {
	return s.acquire(ctx, model, nil)
}

func (s *Selector) acquire(ctx context.Context, model string, excluded map[string]bool) (*gateway.Upstream, error) {
	for _, includeExhausted := range []bool{false, true} {
		candidates, err := s.store.SelectEligibleUpstreams(ctx, s.cfg.Strategy, model, includeExhausted)
		if err != nil {
			return nil, fmt.Errorf("select upstreams: %w", err)
		}
		for _, u := range candidates {
			if excluded[u.ID] {
				continue
			}
			if s.breaker != nil && !s.breaker.Allow(u.ID) {
				continue
			}
			if err := s.store.TouchUpstreamUsed(ctx, u.ID); err != nil {
				s.logger.Warn("touch upstream failed", "upstream", u.ID, "error", err)
			}
			if s.metrics != nil {
				s.metrics.PoolAcquisitions.WithLabelValues(u.Name, s.cfg.Strategy).Inc()
			}
			return u, nil
		}
	}
	return nil, gateway.ErrNoUpstream
}

// ReportSuccess resets the upstream's error streak and restores health.
func (s *Selector) ReportSuccess(ctx context.Context, id string) {
	if s.breaker != nil {
		s.breaker.Success(id)
	}
	if err := s.store.MarkUpstreamHealthy(ctx, id, false); err != nil {
		s.logger.Warn("mark healthy failed", "upstream", id, "error", err)
	}
}

// ReportError records a failure; consecutive failures past MaxErrorCount
// trip the breaker and clear the durable health flag.
func (s *Selector) ReportError(ctx context.Context, id, msg string) {
	if s.breaker != nil {
		s.breaker.Failure(id)
	}
	if err := s.store.MarkUpstreamUnhealthy(ctx, id, msg, s.cfg.MaxErrorCount); err != nil {
		s.logger.Warn("mark unhealthy failed", "upstream", id, "error", err)
	}
}

// markExhausted flips the cached quota to exhausted so the next Acquire
// skips this upstream; the reconciler refreshes the real numbers later.
func (s *Selector) markExhausted(ctx context.Context, u *gateway.Upstream) {
	q := u.Quota
	q.Exhausted = true
	if err := s.store.UpdateUpstreamQuota(ctx, u.ID, q, u.AccountEmail, u.AccountType, u.UsageData); err != nil {
		s.logger.Warn("mark exhausted failed", "upstream", u.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.QuotaExhausted.WithLabelValues(u.Name).Inc()
	}
}

// ExecuteWithRetry runs fn against up to MaxRetries distinct upstreams with
// exponential backoff between attempts. Quota exhaustion fails over without
// backoff; non-upstream errors surface immediately. Streaming callers must
// only use this up to the first byte.
func (s *Selector) ExecuteWithRetry(ctx context.Context, model string, fn func(ctx context.Context, u *gateway.Upstream) error) error {
	excluded := map[string]bool{}
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		u, err := s.acquire(ctx, model, excluded)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		excluded[u.ID] = true

		err = fn(ctx, u)
		if err == nil {
			s.ReportSuccess(ctx, u.ID)
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, gateway.ErrQuotaExhausted):
			// Pool-level recoverable: mark and fail over immediately.
			s.markExhausted(ctx, u)
			s.logger.LogAttrs(ctx, slog.LevelInfo, "upstream quota exhausted, failing over",
				slog.String("upstream", u.ID))
		case errors.Is(err, gateway.ErrUpstreamError):
			s.ReportError(ctx, u.ID, err.Error())
			if err := sleepCtx(ctx, s.cfg.BaseDelay<<attempt); err != nil {
				return lastErr
			}
		default:
			// Not an upstream fault (bad request, refresh failure): surface.
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
