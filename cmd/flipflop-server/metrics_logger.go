package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/metrics"
)

// startMetricsLogger periodically logs the local metrics snapshot, for
// deployments with no Prometheus scraper (mirrors can-server's
// metrics_logger.go, adapted to Flip-Flop's counters).
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_sealed", snap.FramesSealed,
					"frames_opened", snap.FramesOpened,
					"malformed", snap.Malformed,
					"exchanges", snap.Exchanges,
					"timeouts", snap.Timeouts,
					"loss_of_sync", snap.LossOfSync,
					"discovery_rounds", snap.DiscoveryRounds,
					"discovery_conflicts", snap.DiscoveryConf,
					"update_bytes", snap.UpdateBytes,
					"update_gaps", snap.UpdateGaps,
					"update_sign_failed", snap.UpdateSignFailed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
