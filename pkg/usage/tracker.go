package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"creators_metering/internal/model"
	"creators_metering/pkg/metrics"
	"creators_metering/pkg/subscription"
)

// Incrementer is the atomic-upsert primitive the tracker writes through.
type Incrementer interface {
	Increment(ctx context.Context, userID, month string, r subscription.Resource, delta int64) error
}

// Tracker performs best-effort, fire-and-forget counter increments.
type Tracker struct {
	store   Incrementer
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewTracker(store Incrementer, timeout time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tracker{
		store:   store,
		timeout: timeout,
		logger:  logger.With("component", "usage.tracker"),
		now:     time.Now,
	}
}

// TrackAsync increments r for userID in the current month on a background
// goroutine and returns immediately. Failures are logged and dropped.
func (t *Tracker) TrackAsync(userID string, r subscription.Resource) {
	month := model.MonthKey(t.now())
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.track(userID, month, r); err != nil {
			metrics.UsageTrackFailures.WithLabelValues(string(r)).Inc()
			t.logger.Error("usage tracking failed", "user_id", userID, "resource", r, "month", month, "error", err)
		}
	}()
}

func (t *Tracker) track(userID, month string, r subscription.Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.store.Increment(ctx, userID, month, r, 1)
}

// Wait blocks until in-flight increments finish or ctx is done. Used on
// shutdown only; request paths never wait.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
