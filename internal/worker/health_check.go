package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

const (
	healthCheckInterval = 5 * time.Minute
	recoveryInterval    = 30 * time.Minute
	probeTimeout        = 60 * time.Second
)

// HealthProber sends a minimal request to an upstream.
type HealthProber interface {
	Probe(ctx context.Context, u *gateway.Upstream) error
}

// HealthReporter records probe outcomes. Satisfied by pool.Selector so
// probes feed the same bookkeeping as live traffic.
type HealthReporter interface {
	ReportSuccess(ctx context.Context, id string)
	ReportError(ctx context.Context, id, msg string)
}

// HealthCheckWorker probes upstreams that opted into health checking, and
// retries currently-unhealthy upstreams on a slower recovery cadence so a
// transient outage does not bench an account forever.
type HealthCheckWorker struct {
	store    storage.UpstreamStore
	prober   HealthProber
	reporter HealthReporter
	logger   *slog.Logger

	// Interval overrides the probe cadence when positive.
	Interval time.Duration
}

// NewHealthCheckWorker creates a HealthCheckWorker. A nil logger uses the
// default.
func NewHealthCheckWorker(store storage.UpstreamStore, prober HealthProber, reporter HealthReporter, logger *slog.Logger) *HealthCheckWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthCheckWorker{store: store, prober: prober, reporter: reporter, logger: logger}
}

// Name returns the worker identifier.
func (w *HealthCheckWorker) Name() string { return "health_check" }

// Run probes on two cadences until ctx is cancelled.
func (w *HealthCheckWorker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = healthCheckInterval
	}
	check := time.NewTicker(interval)
	defer check.Stop()
	recovery := time.NewTicker(recoveryInterval)
	defer recovery.Stop()

	for {
		select {
		case <-check.C:
			w.sweep(ctx, false)
		case <-recovery.C:
			w.sweep(ctx, true)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *HealthCheckWorker) sweep(ctx context.Context, unhealthyOnly bool) {
	ups, err := w.store.ListUpstreamsForHealthCheck(ctx, unhealthyOnly)
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "health sweep listing failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, u := range ups {
		if ctx.Err() != nil {
			return
		}
		w.probe(ctx, u)
	}
}

func (w *HealthCheckWorker) probe(ctx context.Context, u *gateway.Upstream) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := w.prober.Probe(ctx, u)
	// An exhausted quota means the account answered; that is quota_sync's
	// problem, not a health failure.
	if err != nil && !errors.Is(err, gateway.ErrQuotaExhausted) {
		w.reporter.ReportError(ctx, u.ID, err.Error())
		w.logger.LogAttrs(ctx, slog.LevelWarn, "health probe failed",
			slog.String("upstream", u.ID),
			slog.String("error", err.Error()),
		)
	} else {
		w.reporter.ReportSuccess(ctx, u.ID)
	}

	if err := w.store.TouchUpstreamHealthCheck(ctx, u.ID); err != nil {
		w.logger.Warn("health check touch failed", "upstream", u.ID, "error", err)
	}
}
