package service

import (
	"context"
	"log/slog"
	"time"
)

const expiredReason = "access window expired"

// ExpirySweeper periodically revokes live sessions belonging to documents
// whose access window has lapsed. Validation denies those sessions anyway;
// the sweep makes the revocation visible in owner stats.
type ExpirySweeper struct {
	store    Store
	interval time.Duration
	done     chan struct{}
	now      func() time.Time
}

// NewExpirySweeper creates a sweeper that runs on the given interval.
func NewExpirySweeper(store Store, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the sweep loop in a background goroutine.
func (es *ExpirySweeper) Start(ctx context.Context) {
	slog.Info("expiry sweeper started", "interval", es.interval)

	go func() {
		ticker := time.NewTicker(es.interval)
		defer ticker.Stop()

		// Run once immediately on start
		es.runSweep(ctx)

		for {
			select {
			case <-ticker.C:
				es.runSweep(ctx)
			case <-ctx.Done():
				slog.Info("expiry sweeper stopping")
				close(es.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (es *ExpirySweeper) Wait() {
	<-es.done
}

func (es *ExpirySweeper) runSweep(ctx context.Context) {
	count, err := es.store.RevokeExpiredSessions(ctx, expiredReason, es.now().UTC())
	if err != nil {
		slog.Error("expiry sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("expired sessions revoked", "count", count)
	}
}
