package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/common/apperrors"
)

func TestSessionRepoCreateGetUpdate(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepo(db, db)
	ctx := context.Background()

	err := repo.Create(ctx, &Session{SessionID: "sess-1", Status: SessionStatusPending})
	require.NoError(t, err)

	t.Run("create is idempotent on repeated session_id", func(t *testing.T) {
		err := repo.Create(ctx, &Session{SessionID: "sess-1", Status: SessionStatusPending})
		assert.NoError(t, err)
	})

	got, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusPending, got.Status)

	require.NoError(t, repo.UpdateStatus(ctx, "sess-1", SessionStatusRunning))
	got, err = repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, got.Status)
	assert.NotNil(t, got.LastResumedAt)

	metadata := `{"k":"v"}`
	require.NoError(t, repo.UpdateMetadata(ctx, "sess-1", &metadata))
	got, err = repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, metadata, *got.Metadata)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSessionRepoDeleteCascadesToChildren(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepo(db, db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Session{SessionID: "parent"}))
	childParent := "parent"
	require.NoError(t, repo.Create(ctx, &Session{SessionID: "child", ParentSessionID: &childParent}))

	children, err := repo.Children(ctx, "parent")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	require.NoError(t, repo.Delete(ctx, "parent"))

	_, err = repo.Get(ctx, "parent")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = repo.Get(ctx, "child")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRunRepoClaimIsSingleClaimer(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepo(db, db)
	runs := NewRunRepo(db, db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, &Session{SessionID: "sess-1"}))
	require.NoError(t, runs.Create(ctx, &Run{RunID: "run-1", SessionID: "sess-1", Type: RunTypeStartSession, ExecutionMode: ExecutionModeSync}))

	ok, err := runs.TryClaim(ctx, "run-1", "runner-a", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = runs.TryClaim(ctx, "run-1", "runner-b", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "a run already claimed must not be claimable again")

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusClaimed, got.Status)
	assert.Equal(t, "runner-a", *got.RunnerID)
}

func TestRunRepoMarkStoppingRequiresActiveStatus(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepo(db, db)
	runs := NewRunRepo(db, db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, &Session{SessionID: "sess-1"}))
	require.NoError(t, runs.Create(ctx, &Run{RunID: "run-1", SessionID: "sess-1", Type: RunTypeStartSession, ExecutionMode: ExecutionModeSync}))

	err := runs.MarkStopping(ctx, "run-1")
	assert.Error(t, err, "a pending run has not been claimed yet and cannot be stopped")

	_, err = runs.TryClaim(ctx, "run-1", "runner-a", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, runs.MarkStopping(ctx, "run-1"))
	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusStopping, got.Status)
}

func TestRunRepoListExcludesTerminalByDefault(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepo(db, db)
	runs := NewRunRepo(db, db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, &Session{SessionID: "sess-1"}))
	require.NoError(t, runs.Create(ctx, &Run{RunID: "run-1", SessionID: "sess-1", Type: RunTypeStartSession, ExecutionMode: ExecutionModeSync}))
	require.NoError(t, runs.Create(ctx, &Run{RunID: "run-2", SessionID: "sess-1", Type: RunTypeStartSession, ExecutionMode: ExecutionModeSync}))
	require.NoError(t, runs.UpdateStatus(ctx, "run-2", RunStatusCompleted, nil))

	active, err := runs.List(ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, "run-1", active[0].RunID)

	all, err := runs.List(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEventRepoAppendAndLatestResult(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepo(db, db)
	events := NewEventRepo(db, db)
	ctx := context.Background()

	require.NoError(t, sessions.Create(ctx, &Session{SessionID: "sess-1"}))

	resultText := "all done"
	e := &Event{SessionID: "sess-1", EventType: EventTypeResult, Timestamp: time.Now().UTC(), ResultText: &resultText}
	require.NoError(t, events.Append(ctx, e))
	assert.NotZero(t, e.ID)

	list, err := events.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	latest, err := events.LatestResult(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, resultText, *latest.ResultText)

	_, err = events.LatestResult(ctx, "no-such-session")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBlueprintRepoCreateUpdateDelete(t *testing.T) {
	db := newTestDB(t)
	repo := NewBlueprintRepo(db, db)
	ctx := context.Background()

	b := &Blueprint{Name: "coder", Type: BlueprintTypeAutonomous, Status: BlueprintStatusActive}
	require.NoError(t, repo.Create(ctx, b))

	err := repo.Create(ctx, &Blueprint{Name: "coder", Type: BlueprintTypeAutonomous, Status: BlueprintStatusActive})
	assert.True(t, apperrors.IsConflict(err))

	got, err := repo.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, BlueprintStatusActive, got.Status)

	got.Status = BlueprintStatusInactive
	require.NoError(t, repo.Update(ctx, got))

	require.NoError(t, repo.UpdateStatus(ctx, "coder", BlueprintStatusActive))
	got, err = repo.Get(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, BlueprintStatusActive, got.Status)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "coder"))
	_, err = repo.Get(ctx, "coder")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRunnerRepoUpsertHeartbeatAndStale(t *testing.T) {
	db := newTestDB(t)
	runners := NewRunnerRepo(db, db)
	ctx := context.Background()

	require.NoError(t, runners.Upsert(ctx, &Runner{
		RunnerID:        "runner-1",
		ExecutorProfile: "default",
		Tags:            `["gpu"]`,
		ExecutorType:    "local",
	}))

	got, err := runners.Get(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, RunnerStatusOnline, got.Status)

	// Re-registration is idempotent and refreshes the heartbeat.
	require.NoError(t, runners.Upsert(ctx, &Runner{
		RunnerID:        "runner-1",
		ExecutorProfile: "default",
		Tags:            `["gpu","fast"]`,
		ExecutorType:    "local",
	}))
	got, err = runners.Get(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, `["gpu","fast"]`, got.Tags)

	require.NoError(t, runners.Heartbeat(ctx, "runner-1"))

	cutoff := time.Now().UTC().Add(time.Hour) // everything predates a future cutoff
	staleIDs, err := runners.MarkStale(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"runner-1"}, staleIDs)

	got, err = runners.Get(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, RunnerStatusStale, got.Status)

	require.NoError(t, runners.Delete(ctx, "runner-1"))
	_, err = runners.Get(ctx, "runner-1")
	assert.True(t, apperrors.IsNotFound(err))
}
