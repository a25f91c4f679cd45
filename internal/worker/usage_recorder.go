package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	usageChanSize   = 1000
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// KeyUsageSink persists aggregated per-key token counts. Satisfied by
// auth.APIKeyAuth, which also invalidates its cache on write.
type KeyUsageSink interface {
	RecordUsage(ctx context.Context, keyID string, n int64) error
}

type usageEvent struct {
	keyID  string
	tokens int64
}

// UsageRecorder buffers per-request token counts and batch-flushes them as
// one increment per key. Events are dropped if the channel is full
// (back-pressure on slow DB).
type UsageRecorder struct {
	ch     chan usageEvent
	sink   KeyUsageSink
	logger *slog.Logger
}

// NewUsageRecorder creates a UsageRecorder backed by sink. A nil logger
// uses the default.
func NewUsageRecorder(sink KeyUsageSink, logger *slog.Logger) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{
		ch:     make(chan usageEvent, usageChanSize),
		sink:   sink,
		logger: logger,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a token count for a key. It never blocks; drops on full
// channel.
func (u *UsageRecorder) Record(keyID string, tokens int64) {
	select {
	case u.ch <- usageEvent{keyID: keyID, tokens: tokens}:
	default:
		u.logger.Warn("usage event dropped, channel full")
	}
}

// Run aggregates events until ctx is cancelled, then drains what remains.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := map[string]int64{}

	for {
		select {
		case ev := <-u.ch:
			buf[ev.keyID] += ev.tokens

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				clear(buf)
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf map[string]int64) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case ev := <-u.ch:
			buf[ev.keyID] += ev.tokens
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf map[string]int64) {
	for keyID, tokens := range buf {
		if err := u.sink.RecordUsage(ctx, keyID, tokens); err != nil {
			u.logger.LogAttrs(ctx, slog.LevelError, "usage flush failed",
				slog.String("key", keyID),
				slog.Int64("tokens", tokens),
				slog.String("error", err.Error()),
			)
		}
	}
}
