package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/store"
)

// RecoveryMode controls how runs left non-terminal at startup are handled.
type RecoveryMode string

const (
	RecoveryNone   RecoveryMode = "none"
	RecoveryStale  RecoveryMode = "stale"
	RecoveryAll    RecoveryMode = "all"
)

const staleClaimThreshold = 300 * time.Second

// Recover reloads all non-terminal runs from persistence and applies the
// configured recovery policy before the queue starts serving traffic.
// Runs that survive recovery unaffected are loaded into the active cache.
func (q *Queue) Recover(ctx context.Context, mode RecoveryMode) error {
	runs, err := q.runs.NonTerminal(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range runs {
		run := &runs[i]

		switch run.Status {
		case store.RunStatusStopping:
			// Unconditional: a runner that was mid-stop at restart can't
			// finish reporting; treat the run as stopped.
			if err := q.runs.UpdateStatus(ctx, run.RunID, store.RunStatusStopped, nil); err != nil {
				return err
			}
			_ = q.sessions.UpdateStatus(ctx, run.SessionID, store.SessionStatusStopped)
			continue

		case store.RunStatusClaimed:
			if mode == RecoveryNone {
				break
			}
			if mode == RecoveryAll || (run.ClaimedAt != nil && now.Sub(*run.ClaimedAt) > staleClaimThreshold) {
				if err := q.runs.RevertToPending(ctx, run.RunID); err != nil {
					return err
				}
				run.Status = store.RunStatusPending
				run.RunnerID = nil
				run.ClaimedAt = nil
			}

		case store.RunStatusRunning:
			if mode == RecoveryNone {
				break
			}
			if mode == RecoveryAll || (run.StartedAt != nil && now.Sub(*run.StartedAt) > staleClaimThreshold) {
				msg := "Coordinator restarted during execution"
				if err := q.runs.UpdateStatus(ctx, run.RunID, store.RunStatusFailed, &msg); err != nil {
					return err
				}
				_ = q.sessions.UpdateStatus(ctx, run.SessionID, store.SessionStatusFailed)
				continue
			}
		}

		if !store.IsRunTerminal(run.Status) {
			q.mu.Lock()
			q.active[run.RunID] = run
			q.mu.Unlock()
		}
	}

	q.log.Info("run queue recovery complete", zap.Int("recovered_runs", len(runs)), zap.String("mode", string(mode)))
	return nil
}
