package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/store"
)

func TestRecoverStoppingAlwaysBecomesStopped(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	run, err := q.AddRun(ctx, RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	_, ok, err := q.ClaimRun(ctx, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.StopRun(ctx, run.RunID)
	require.NoError(t, err)

	require.NoError(t, q.Recover(ctx, RecoveryNone))

	got, err := q.GetRunWithFallback(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusStopped, got.Status)
}

func TestRecoverNoneLeavesFreshClaimsAlone(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	run, err := q.AddRun(ctx, RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	_, ok, err := q.ClaimRun(ctx, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Recover(ctx, RecoveryNone))

	got, err := q.GetRunWithFallback(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusClaimed, got.Status, "mode none must not touch a fresh claim")
}

func TestRecoverAllRevertsEveryClaimedRun(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	run, err := q.AddRun(ctx, RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	_, ok, err := q.ClaimRun(ctx, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Recover(ctx, RecoveryAll))

	got, err := q.GetRunWithFallback(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPending, got.Status, "mode all reverts every non-terminal claim regardless of age")
}

func TestRecoverStaleOnlyRevertsOldClaims(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	fresh, err := q.AddRun(ctx, RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	_, ok, err := q.ClaimRun(ctx, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Recover(ctx, RecoveryStale))

	got, err := q.GetRunWithFallback(ctx, fresh.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusClaimed, got.Status, "a claim younger than the stale threshold survives recovery")
}

func TestRecoverStaleLeavesFreshRunningAlone(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	run, err := q.AddRun(ctx, RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	_, ok, err := q.ClaimRun(ctx, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.UpdateRunStatus(ctx, run.RunID, store.RunStatusRunning, nil)
	require.NoError(t, err)

	require.NoError(t, q.Recover(ctx, RecoveryStale))

	got, err := q.GetRunWithFallback(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, got.Status, "a run younger than the stale threshold survives recovery")
}
