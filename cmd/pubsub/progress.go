package main

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// deliveryStats counts deliveries seen by the listen command, cumulative
// since startup.
type deliveryStats struct {
	received atomic.Int64
	failed   atomic.Int64
}

// startProgressReporter logs the delivery counters every interval until ctx
// is cancelled.
func startProgressReporter(
	ctx context.Context,
	stats *deliveryStats,
	interval time.Duration,
	log *zap.SugaredLogger,
) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			log.Infow("delivery progress",
				"received", stats.received.Load(),
				"failed", stats.failed.Load(),
			)
		}
	}
}
