package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweepInterval is the ticker cadence for checking pending-run timeouts.
const RunSweepInterval = 5 * time.Second

// SweepTimeouts runs on a fixed ticker until ctx is cancelled, failing any
// pending run whose timeout_at has elapsed.
func (q *Queue) SweepTimeouts(ctx context.Context) error {
	ticker := time.NewTicker(RunSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			failed, err := q.FailTimedOutRuns(ctx, time.Now().UTC())
			if err != nil {
				q.log.Error("timeout sweep failed", zap.Error(err))
				continue
			}
			if len(failed) > 0 {
				q.log.Info("failed timed-out runs", zap.Strings("run_ids", failed))
			}
		}
	}
}
