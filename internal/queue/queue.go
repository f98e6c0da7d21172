// Package queue implements the run queue and dispatch engine: a
// write-through-cached work queue with capability-based demand matching,
// atomic claim semantics, startup recovery, and per-run timeouts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/metrics"
	"github.com/kandev/agentctrl/internal/store"
)

// RunCreate is the caller-supplied shape for a new run.
type RunCreate struct {
	RunID           string
	SessionID       string
	Type            string
	AgentName       *string
	Parameters      json.RawMessage
	ProjectDir      *string
	ParentSessionID *string
	ExecutionMode   string
	SessionName     *string
}

// SessionCreator is the narrow slice of the session store the queue needs
// to seed a session row alongside a new run.
type SessionCreator interface {
	Create(ctx context.Context, s *store.Session) error
	Get(ctx context.Context, sessionID string) (*store.Session, error)
	UpdateStatus(ctx context.Context, sessionID, status string) error
}

// Broadcaster is the narrow slice of the fanout hub the queue needs to
// announce session lifecycle changes.
type Broadcaster interface {
	BroadcastSessionCreated(session *store.Session)
	BroadcastSessionUpdated(session *store.Session)
}

// Notifier is the narrow slice of the callback orchestrator the queue needs
// to notify when a run transition drives its session into a terminal
// status, mirroring session.Notifier so a run failing or timing out without
// ever receiving a session_stop event still reaches a waiting parent.
type Notifier interface {
	NotifyTerminal(ctx context.Context, session *store.Session)
}

// Queue owns the full run lifecycle. The persistent store is the source of
// truth; the in-memory cache of active runs is a derived index that serves
// GetRunWithFallback lookups and the queue-depth gauge. Claiming scans the
// store, not the cache.
type Queue struct {
	runs     *store.RunRepo
	sessions SessionCreator
	fanout   Broadcaster
	notifier Notifier
	log      *logger.Logger

	mu     sync.Mutex
	active map[string]*store.Run // run_id -> run, for runs not yet terminal

	wake *wakeup
}

// New constructs a Queue. Call Recover before serving traffic. Call
// SetNotifier once the callback orchestrator exists, before serving traffic.
func New(runs *store.RunRepo, sessions SessionCreator, fanout Broadcaster, log *logger.Logger) *Queue {
	return &Queue{
		runs:     runs,
		sessions: sessions,
		fanout:   fanout,
		log:      log.WithFields(zap.String("component", "queue")),
		active:   make(map[string]*store.Run),
		wake:     newWakeup(),
	}
}

// SetNotifier registers the callback orchestrator to be told about run-driven
// session terminal transitions. The queue is constructed before the
// orchestrator exists (the orchestrator itself depends on the queue), so this
// is wired as a post-construction setter rather than a constructor argument.
func (q *Queue) SetNotifier(notifier Notifier) {
	q.notifier = notifier
}

// reportQueueDepth publishes the current count of non-terminal runs. Called
// after any mutation of the active cache.
func (q *Queue) reportQueueDepth() {
	q.mu.Lock()
	depth := len(q.active)
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))
}

// Wait returns a channel that closes the next time a claimable event occurs
// (add_run, set_run_demands, or stop_run), for long-poll waiters to recheck.
func (q *Queue) Wait() <-chan struct{} {
	return q.wake.wait()
}

// AddRun allocates ids as needed, persists a pending run and a seed session,
// updates the cache, and broadcasts session_created.
func (q *Queue) AddRun(ctx context.Context, rc RunCreate) (*store.Run, error) {
	if rc.RunID == "" {
		rc.RunID = store.NewRunID()
	}
	sessionIsNew := rc.SessionID == ""
	if sessionIsNew {
		rc.SessionID = store.NewSessionID()
	}

	if rc.Type == store.RunTypeResumeSession && !sessionIsNew {
		existing, err := q.sessions.Get(ctx, rc.SessionID)
		if err == nil {
			if rc.AgentName == nil {
				rc.AgentName = existing.AgentName
			}
			if rc.ProjectDir == nil {
				rc.ProjectDir = existing.ProjectDir
			}
		} else if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}

	if sessionIsNew || rc.Type == store.RunTypeStartSession {
		session := &store.Session{
			SessionID:       rc.SessionID,
			SessionName:     rc.SessionName,
			Status:          store.SessionStatusPending,
			ProjectDir:      rc.ProjectDir,
			AgentName:       rc.AgentName,
			ParentSessionID: rc.ParentSessionID,
		}
		if err := q.sessions.Create(ctx, session); err != nil {
			return nil, err
		}
	}

	run := &store.Run{
		RunID:           rc.RunID,
		SessionID:       rc.SessionID,
		Type:            rc.Type,
		AgentName:       rc.AgentName,
		Parameters:      rc.Parameters,
		ProjectDir:      rc.ProjectDir,
		ParentSessionID: rc.ParentSessionID,
		ExecutionMode:   rc.ExecutionMode,
		Status:          store.RunStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if run.ExecutionMode == "" {
		run.ExecutionMode = store.ExecutionModeSync
	}

	if err := q.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.active[run.RunID] = run
	q.mu.Unlock()

	if session, err := q.sessions.Get(ctx, run.SessionID); err == nil {
		q.fanout.BroadcastSessionCreated(session)
	}

	metrics.RunsCreated.WithLabelValues(run.Type).Inc()
	q.reportQueueDepth()
	q.wake.broadcast()
	return run, nil
}

// SetRunDemands sets a run's demand predicate and derives its timeout, then
// wakes waiters since a previously-unroutable run may now be claimable (or,
// more commonly, this is the first time the run becomes visible for match).
func (q *Queue) SetRunDemands(ctx context.Context, runID string, demands store.Demands, timeoutSeconds int) error {
	var encoded *string
	if len(demands.Tags) > 0 {
		b, err := json.Marshal(demands)
		if err != nil {
			return fmt.Errorf("encode demands: %w", err)
		}
		s := string(b)
		encoded = &s
	}

	timeoutAt := time.Now().UTC().Add(time.Duration(timeoutSeconds) * time.Second)
	if err := q.runs.SetDemands(ctx, runID, encoded, timeoutAt); err != nil {
		return err
	}

	q.mu.Lock()
	if run, ok := q.active[runID]; ok {
		run.Demands = encoded
		run.TimeoutAt = &timeoutAt
	}
	q.mu.Unlock()

	q.wake.broadcast()
	return nil
}

// ClaimRun scans pending runs in FIFO order for the first whose demands the
// runner's capabilities satisfy, and attempts the conditional-update claim.
// Returns (nil, false, nil) if nothing is currently claimable.
func (q *Queue) ClaimRun(ctx context.Context, runnerID string, caps store.Capabilities) (*store.Run, bool, error) {
	candidates, err := q.runs.PendingByFIFO(ctx)
	if err != nil {
		return nil, false, err
	}

	for i := range candidates {
		run := &candidates[i]
		demands, err := run.DecodeDemands()
		if err != nil {
			q.log.Warn("failed to decode run demands, skipping", zap.String("run_id", run.RunID), zap.Error(err))
			continue
		}
		if !demands.Satisfies(caps) {
			continue
		}

		claimedAt := time.Now().UTC()
		ok, err := q.runs.TryClaim(ctx, run.RunID, runnerID, claimedAt)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// Lost the race to another claimer; discard and keep scanning.
			q.mu.Lock()
			delete(q.active, run.RunID)
			q.mu.Unlock()
			continue
		}

		run.Status = store.RunStatusClaimed
		run.RunnerID = &runnerID
		run.ClaimedAt = &claimedAt

		metrics.RunClaimLatency.Observe(claimedAt.Sub(run.CreatedAt).Seconds())

		q.mu.Lock()
		q.active[run.RunID] = run
		q.mu.Unlock()

		if session, err := q.sessions.Get(ctx, run.SessionID); err == nil {
			q.fanout.BroadcastSessionUpdated(session)
		}
		return run, true, nil
	}

	return nil, false, nil
}

// UpdateRunStatus persists a run's status transition, keeps the session's
// status in step, and evicts terminal runs from the active cache.
func (q *Queue) UpdateRunStatus(ctx context.Context, runID, status string, runErr *string) (*store.Run, error) {
	run, err := q.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := q.runs.UpdateStatus(ctx, runID, status, runErr); err != nil {
		return nil, err
	}
	run.Status = status
	run.Error = runErr

	if store.IsRunTerminal(status) {
		q.mu.Lock()
		delete(q.active, runID)
		q.mu.Unlock()
		metrics.RunsCompleted.WithLabelValues(status).Inc()
		q.reportQueueDepth()
	} else {
		q.mu.Lock()
		q.active[runID] = run
		q.mu.Unlock()
	}

	sessionStatus, err := q.syncSessionStatus(ctx, run, status)
	if err != nil {
		q.log.Warn("failed to sync session status from run transition", zap.Error(err))
	}

	session, sessErr := q.sessions.Get(ctx, run.SessionID)
	if sessErr == nil {
		q.fanout.BroadcastSessionUpdated(session)
		if q.notifier != nil && store.IsSessionTerminal(sessionStatus) {
			q.notifier.NotifyTerminal(ctx, session)
		}
	}

	return run, nil
}

// syncSessionStatus maps a run status transition onto the session status it
// drives, if any, persists it, and returns the resulting session status so
// the caller can tell whether this transition made the session terminal.
// completed runs deliberately have no case here: a completed run doesn't
// itself end the session, the agent is expected to separately emit
// session_stop.
func (q *Queue) syncSessionStatus(ctx context.Context, run *store.Run, status string) (string, error) {
	sessionStatus := ""
	switch status {
	case store.RunStatusRunning:
		sessionStatus = store.SessionStatusRunning
	case store.RunStatusFailed:
		sessionStatus = store.SessionStatusFailed
	case store.RunStatusStopped:
		sessionStatus = store.SessionStatusStopped
	}
	if sessionStatus == "" {
		return "", nil
	}
	if err := q.sessions.UpdateStatus(ctx, run.SessionID, sessionStatus); err != nil {
		return "", err
	}
	return sessionStatus, nil
}

// StopRun transitions a run to stopping and returns it so the caller (the
// API's stop handlers) can enqueue the stop command on the owning runner for
// delivery on its next poll.
func (q *Queue) StopRun(ctx context.Context, runID string) (*store.Run, error) {
	if err := q.runs.MarkStopping(ctx, runID); err != nil {
		return nil, err
	}
	run, err := q.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.active[runID] = run
	q.mu.Unlock()

	q.wake.broadcast()
	return run, nil
}

// FailTimedOutRuns fails every pending run whose timeout has elapsed.
func (q *Queue) FailTimedOutRuns(ctx context.Context, now time.Time) ([]string, error) {
	timedOut, err := q.runs.TimedOutPending(ctx, now)
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, run := range timedOut {
		if err := q.runs.FailTimedOut(ctx, run.RunID, now); err != nil {
			q.log.Error("failed to fail timed-out run", zap.String("run_id", run.RunID), zap.Error(err))
			continue
		}
		q.mu.Lock()
		delete(q.active, run.RunID)
		q.mu.Unlock()
		metrics.RunsCompleted.WithLabelValues(store.RunStatusFailed).Inc()

		_ = q.sessions.UpdateStatus(ctx, run.SessionID, store.SessionStatusFailed)
		if session, err := q.sessions.Get(ctx, run.SessionID); err == nil {
			q.fanout.BroadcastSessionUpdated(session)
			if q.notifier != nil {
				q.notifier.NotifyTerminal(ctx, session)
			}
		}
		failed = append(failed, run.RunID)
	}
	q.reportQueueDepth()
	return failed, nil
}

// GetRunWithFallback checks the cache first, then falls back to persistence
// for terminal runs that are no longer cached.
func (q *Queue) GetRunWithFallback(ctx context.Context, runID string) (*store.Run, error) {
	q.mu.Lock()
	run, ok := q.active[runID]
	q.mu.Unlock()
	if ok {
		return run, nil
	}
	return q.runs.Get(ctx, runID)
}

// GetRunBySessionID returns the active (non-terminal) run for a session, if any.
func (q *Queue) GetRunBySessionID(ctx context.Context, sessionID string) (*store.Run, error) {
	return q.runs.ActiveBySession(ctx, sessionID)
}

// List proxies to the store for administrative listing.
func (q *Queue) List(ctx context.Context, status string, includeCompleted bool) ([]store.Run, error) {
	return q.runs.List(ctx, status, includeCompleted)
}
