package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/common/config"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/db"
	"github.com/kandev/agentctrl/internal/fanout"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/store"
)

// newTestCoordinator wires a full Coordinator against a temp-file sqlite
// database, exactly as the real binary would (minus the HTTP listener and
// background sweepers, which these tests drive by hand instead).
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "e2e-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sqlxDB := sqlx.NewDb(conn, "sqlite3")
	require.NoError(t, store.Migrate(sqlxDB))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 5, WriteTimeout: 5},
		Runner:  config.RunnerConfig{PollTimeout: 1, HeartbeatInterval: 5, HeartbeatTimeout: 15, RunNoMatchTimeout: 10, RecoveryMode: "none"},
		Auth:    config.AuthConfig{Disabled: true},
		Logging: config.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"},
		CORS:    config.CORSConfig{Origins: []string{"*"}},
	}

	c, err := New(cfg, sqlxDB, sqlxDB, log)
	require.NoError(t, err)
	return c
}

// drainFrames reads every frame currently buffered for a subscriber without
// blocking once the channel goes quiet, decoding each as a fanout.Frame.
func drainFrames(t *testing.T, sub *fanout.Subscriber) []fanout.Frame {
	t.Helper()
	var frames []fanout.Frame
	for {
		select {
		case data, ok := <-sub.Recv():
			if !ok {
				return frames
			}
			var f fanout.Frame
			require.NoError(t, json.Unmarshal(data, &f))
			frames = append(frames, f)
		case <-time.After(50 * time.Millisecond):
			return frames
		}
	}
}

// Scenario 1: basic start against an autonomous echo agent. The fake runner
// client plays the part of the external executor: claim, report running,
// emit the message/result/session_stop events a real echo agent would, then
// the test asserts the frame order and the final stored result.
func TestScenarioBasicStartEchoesPromptToCompletion(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.blueprints.Create(ctx, &store.Blueprint{
		Name: "echo-agent",
		Type: store.BlueprintTypeAutonomous,
	}))

	sub, err := c.hub.Subscribe(ctx, "watcher")
	require.NoError(t, err)
	defer c.hub.Unsubscribe(sub)
	drainFrames(t, sub) // discard the init frame

	agentName := "echo-agent"
	projectDir := "."
	params, _ := json.Marshal(map[string]string{"prompt": "hi"})
	run, err := c.queue.AddRun(ctx, queue.RunCreate{
		Type:          store.RunTypeStartSession,
		AgentName:     &agentName,
		Parameters:    params,
		ProjectDir:    &projectDir,
		ExecutionMode: store.ExecutionModeSync,
	})
	require.NoError(t, err)

	claimed, ok, err := c.queue.ClaimRun(ctx, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, run.RunID, claimed.RunID)

	_, err = c.queue.UpdateRunStatus(ctx, run.RunID, store.RunStatusRunning, nil)
	require.NoError(t, err)

	userMsg := "user"
	userContent, _ := json.Marshal("hi")
	_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeMessage, Role: &userMsg, Content: userContent})
	require.NoError(t, err)

	assistantMsg := "assistant"
	assistantContent, _ := json.Marshal("[echo] hi")
	_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeMessage, Role: &assistantMsg, Content: assistantContent})
	require.NoError(t, err)

	resultText := "[echo] hi"
	_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeResult, ResultText: &resultText})
	require.NoError(t, err)

	exitCode := 0
	reason := "completed"
	_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeSessionStop, ExitCode: &exitCode, Reason: &reason})
	require.NoError(t, err)

	_, err = c.queue.UpdateRunStatus(ctx, run.RunID, store.RunStatusCompleted, nil)
	require.NoError(t, err)

	result, err := c.sessions.GetResult(ctx, run.SessionID)
	require.NoError(t, err)
	require.NotNil(t, result.ResultText)
	assert.Equal(t, "[echo] hi", *result.ResultText)
	assert.Nil(t, result.ResultData)

	sess, err := c.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusFinished, sess.Status)

	frames := drainFrames(t, sub)
	require.GreaterOrEqual(t, len(frames), 5)
	assert.Equal(t, fanout.FrameSessionCreated, frames[0].Type)
	var eventTypesSeen []string
	for _, f := range frames {
		if f.Type == fanout.FrameEvent {
			eventTypesSeen = append(eventTypesSeen, f.Data.EventType)
		}
	}
	assert.Equal(t, []string{
		store.EventTypeMessage, store.EventTypeMessage, store.EventTypeResult, store.EventTypeSessionStop,
	}, eventTypesSeen)
	assert.Equal(t, fanout.FrameSessionUpdated, frames[len(frames)-1].Type)
	assert.Equal(t, store.SessionStatusFinished, frames[len(frames)-1].Session.Status)
}

// Scenario 2: a run whose blueprint demands a tag no runner has sits pending
// until RUN_NO_MATCH_TIMEOUT elapses, then fails with the unroutable error
// and drives its session to failed.
func TestScenarioDemandMatchTimeoutFailsRunAndSession(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.blueprints.Create(ctx, &store.Blueprint{
		Name: "special-agent",
		Type: store.BlueprintTypeAutonomous,
	}))

	agentName := "special-agent"
	run, err := c.queue.AddRun(ctx, queue.RunCreate{
		Type:          store.RunTypeStartSession,
		AgentName:     &agentName,
		ExecutionMode: store.ExecutionModeSync,
	})
	require.NoError(t, err)

	require.NoError(t, c.queue.SetRunDemands(ctx, run.RunID, store.Demands{Tags: []string{"nonexistent"}}, 0))

	_, claimed, err := c.queue.ClaimRun(ctx, "runner-1", store.Capabilities{Tags: []string{}})
	require.NoError(t, err)
	assert.False(t, claimed, "a runner without the demanded tag must never claim this run")

	time.Sleep(2 * time.Millisecond)
	failedIDs, err := c.queue.FailTimedOutRuns(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Contains(t, failedIDs, run.RunID)

	got, err := c.queue.GetRunWithFallback(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "No matching runner available within timeout", *got.Error)

	sess, err := c.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusFailed, sess.Status)
}

// Scenario 3: a child run that fails outright (never posting a single
// event, let alone session_stop) still reaches its parent as a callback,
// exercising the queue-level notifier wiring rather than the session_stop
// event path.
func TestScenarioChildRunFailureCallsBackParentWithoutSessionStop(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	parentRun, err := c.queue.AddRun(ctx, queue.RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	// Parent run completes (non-terminal for the session) so it is idle
	// when the callback arrives.
	_, err = c.queue.UpdateRunStatus(ctx, parentRun.RunID, store.RunStatusCompleted, nil)
	require.NoError(t, err)

	missingAgent := "does-not-exist"
	childRun, err := c.queue.AddRun(ctx, queue.RunCreate{
		Type:            store.RunTypeStartSession,
		AgentName:       &missingAgent,
		ParentSessionID: &parentRun.SessionID,
		ExecutionMode:   store.ExecutionModeAsyncCallback,
	})
	require.NoError(t, err)

	_, err = c.queue.UpdateRunStatus(ctx, childRun.RunID, store.RunStatusFailed, nil)
	require.NoError(t, err)

	resume, err := c.queue.GetRunBySessionID(ctx, parentRun.SessionID)
	require.NoError(t, err, "child failure must have injected a resume run on the parent")
	assert.Equal(t, store.RunTypeResumeSession, resume.Type)

	var params struct {
		Prompt string `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal(resume.Parameters, &params))
	assert.Contains(t, params.Prompt, fmt.Sprintf(`<agent-callback session="%s" status="failed">`, childRun.SessionID))
	assert.Contains(t, params.Prompt, "## Error")
}

// Scenario 4: several children complete while the parent is busy; the
// notifications queued during that busy window are preserved in order and
// delivered as resume runs, with every child's callback frame eventually
// reaching the parent.
func TestScenarioConcurrentChildCallbacksPreserveOrderAndCompleteness(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	parentRun, err := c.queue.AddRun(ctx, queue.RunCreate{Type: store.RunTypeStartSession, ExecutionMode: store.ExecutionModeSync})
	require.NoError(t, err)
	_, err = c.queue.UpdateRunStatus(ctx, parentRun.RunID, store.RunStatusRunning, nil)
	require.NoError(t, err)

	spawnAndStopChild := func(i int) string {
		run, err := c.queue.AddRun(ctx, queue.RunCreate{
			Type:            store.RunTypeStartSession,
			ParentSessionID: &parentRun.SessionID,
			ExecutionMode:   store.ExecutionModeAsyncCallback,
		})
		require.NoError(t, err)
		resultText := fmt.Sprintf("child %d done", i)
		_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeResult, ResultText: &resultText})
		require.NoError(t, err)
		reason := "stopped"
		_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeSessionStop, Reason: &reason})
		require.NoError(t, err)
		return run.SessionID
	}

	// Three finish while the parent's original run is still busy: queued,
	// not yet delivered.
	var childSessions []string
	for i := 0; i < 3; i++ {
		childSessions = append(childSessions, spawnAndStopChild(i))
	}

	// Parent's original run finishes; it is briefly idle.
	_, err = c.queue.UpdateRunStatus(ctx, parentRun.RunID, store.RunStatusCompleted, nil)
	require.NoError(t, err)

	childSessions = append(childSessions, spawnAndStopChild(3))

	// The fourth callback's resume run is now the parent's active run, so
	// the fifth again finds the parent busy and queues.
	childSessions = append(childSessions, spawnAndStopChild(4))

	// The parent's own orchestration eventually ends, flushing whatever
	// accumulated while it was busy.
	reason := "finished"
	_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: parentRun.SessionID, EventType: store.EventTypeSessionStop, Reason: &reason})
	require.NoError(t, err)

	runs, err := c.queue.List(ctx, "", true)
	require.NoError(t, err)

	var combinedPrompt string
	resumeCount := 0
	for _, r := range runs {
		if r.SessionID != parentRun.SessionID || r.Type != store.RunTypeResumeSession {
			continue
		}
		resumeCount++
		var params struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.Unmarshal(r.Parameters, &params))
		combinedPrompt += params.Prompt
	}

	assert.True(t, resumeCount == 1 || resumeCount == 2, "expected one or two resume runs, got %d", resumeCount)
	for _, childSessionID := range childSessions {
		assert.Contains(t, combinedPrompt, fmt.Sprintf(`session="%s"`, childSessionID))
	}
}

// Scenario 5: a result event that fails output_schema validation injects a
// retry resume carrying the error; a subsequent conforming result_data
// completes the session.
func TestScenarioOutputSchemaRetrySucceedsOnSecondAttempt(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	outputSchema := json.RawMessage(`{"type":"object","required":["answer","rationale"],"properties":{"answer":{"type":"string"},"rationale":{"type":"string"}}}`)
	require.NoError(t, c.blueprints.Create(ctx, &store.Blueprint{
		Name:         "structured-agent",
		Type:         store.BlueprintTypeAutonomous,
		OutputSchema: outputSchema,
	}))

	agentName := "structured-agent"
	run, err := c.queue.AddRun(ctx, queue.RunCreate{
		Type:          store.RunTypeStartSession,
		AgentName:     &agentName,
		ExecutionMode: store.ExecutionModeSync,
	})
	require.NoError(t, err)

	_, err = c.sessions.AppendEvent(ctx, &store.Event{
		SessionID:  run.SessionID,
		EventType:  store.EventTypeResult,
		ResultData: json.RawMessage(`{"plain":"text"}`),
	})
	require.Error(t, err, "non-conforming result_data must be rejected, not stored")

	retryRun, err := c.queue.GetRunBySessionID(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.RunTypeResumeSession, retryRun.Type)

	_, err = c.sessions.AppendEvent(ctx, &store.Event{
		SessionID:  run.SessionID,
		EventType:  store.EventTypeResult,
		ResultData: json.RawMessage(`{"answer":"42","rationale":"because"}`),
	})
	require.NoError(t, err)

	reason := "completed"
	_, err = c.sessions.AppendEvent(ctx, &store.Event{SessionID: run.SessionID, EventType: store.EventTypeSessionStop, Reason: &reason})
	require.NoError(t, err)

	result, err := c.sessions.GetResult(ctx, run.SessionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"42","rationale":"because"}`, string(result.ResultData))

	sess, err := c.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusFinished, sess.Status)
}

// Scenario 6: the same setup, but both attempts fail: the retry budget is
// exhausted and the session ends failed with the literal error the spec
// requires.
func TestScenarioOutputSchemaRetryExhaustionFailsSession(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	outputSchema := json.RawMessage(`{"type":"object","required":["answer","rationale"],"properties":{"answer":{"type":"string"},"rationale":{"type":"string"}}}`)
	require.NoError(t, c.blueprints.Create(ctx, &store.Blueprint{
		Name:         "structured-agent",
		Type:         store.BlueprintTypeAutonomous,
		OutputSchema: outputSchema,
	}))

	agentName := "structured-agent"
	run, err := c.queue.AddRun(ctx, queue.RunCreate{
		Type:          store.RunTypeStartSession,
		AgentName:     &agentName,
		ExecutionMode: store.ExecutionModeSync,
	})
	require.NoError(t, err)

	_, err = c.sessions.AppendEvent(ctx, &store.Event{
		SessionID:  run.SessionID,
		EventType:  store.EventTypeResult,
		ResultData: json.RawMessage(`{"plain":"text"}`),
	})
	require.Error(t, err)

	_, err = c.sessions.AppendEvent(ctx, &store.Event{
		SessionID:  run.SessionID,
		EventType:  store.EventTypeResult,
		ResultData: json.RawMessage(`{"still":"not conforming"}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OutputSchemaValidationError: Output validation failed after 1 retry")

	sess, err := c.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusFailed, sess.Status)

	failedRun, err := c.queue.GetRunWithFallback(ctx, run.RunID)
	require.NoError(t, err)
	if failedRun.Status == store.RunStatusFailed {
		require.NotNil(t, failedRun.Error)
		assert.Contains(t, *failedRun.Error, "OutputSchemaValidationError: Output validation failed after 1 retry")
	}
}
