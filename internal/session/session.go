// Package session implements the session and event store's business rules:
// event-type validation, session_stop status transitions, and canonical
// result capture on top of the raw store repositories.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/schema"
	"github.com/kandev/agentctrl/internal/store"
)

// Notifier is the narrow slice of the callback orchestrator the session
// store needs to notify when a session reaches a terminal state.
type Notifier interface {
	NotifyTerminal(ctx context.Context, session *store.Session)
}

// Broadcaster is the narrow slice of the fanout hub needed to announce
// session and event changes.
type Broadcaster interface {
	BroadcastSessionCreated(session *store.Session)
	BroadcastSessionUpdated(session *store.Session)
	BroadcastSessionDeleted(sessionID string)
	BroadcastEvent(sessionID string, event *store.Event)
}

// BlueprintGetter is the narrow slice of the blueprint store needed to
// resolve a session's declared output_schema.
type BlueprintGetter interface {
	Get(ctx context.Context, name string) (*store.Blueprint, error)
}

// Store wraps the session and event repositories with the state machine
// and validation rules the coordinator enforces at the API boundary.
type Store struct {
	sessions   *store.SessionRepo
	events     *store.EventRepo
	notifier   Notifier
	fanout     Broadcaster
	blueprints BlueprintGetter
	runs       *queue.Queue
	log        *logger.Logger

	mu      sync.Mutex
	retries map[string]int // session_id -> output-schema retry attempts already spent
}

// New constructs a session Store.
func New(sessions *store.SessionRepo, events *store.EventRepo, notifier Notifier, fanout Broadcaster, blueprints BlueprintGetter, runs *queue.Queue, log *logger.Logger) *Store {
	return &Store{
		sessions:   sessions,
		events:     events,
		notifier:   notifier,
		fanout:     fanout,
		blueprints: blueprints,
		runs:       runs,
		retries:    make(map[string]int),
		log:        log.WithFields(zap.String("component", "session_store")),
	}
}

// Create registers a new session in pending status and announces it.
func (s *Store) Create(ctx context.Context, sess *store.Session) error {
	if err := s.sessions.Create(ctx, sess); err != nil {
		return err
	}
	created, err := s.sessions.Get(ctx, sess.SessionID)
	if err != nil {
		return err
	}
	s.fanout.BroadcastSessionCreated(created)
	return nil
}

// UpdateMetadata replaces a session's caller-set metadata blob and announces
// the change.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID string, metadata *string) error {
	if err := s.sessions.UpdateMetadata(ctx, sessionID, metadata); err != nil {
		return err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.fanout.BroadcastSessionUpdated(sess)
	return nil
}

// Get fetches a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// List returns all sessions.
func (s *Store) List(ctx context.Context) ([]store.Session, error) {
	return s.sessions.List(ctx)
}

// GetEvents returns a session's event log in order.
func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]store.Event, error) {
	return s.events.List(ctx, sessionID)
}

// GetResult returns the canonical outcome of a finished session, recorded as
// its most recent `result` event.
func (s *Store) GetResult(ctx context.Context, sessionID string) (*store.Event, error) {
	return s.events.LatestResult(ctx, sessionID)
}

// Delete cascades-deletes a session, its descendants, events, and runs, and
// announces the removal.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.clearRetry(sessionID)
	s.fanout.BroadcastSessionDeleted(sessionID)
	return nil
}

// eventTerminalStatus maps a session_stop event's declared reason to the
// session status it drives. An empty or unrecognised reason defaults to
// "finished", matching a clean agent-initiated exit.
func eventTerminalStatus(reason *string) string {
	if reason == nil {
		return store.SessionStatusFinished
	}
	switch *reason {
	case "error":
		return store.SessionStatusFailed
	case "stopped", "cancelled":
		return store.SessionStatusStopped
	default:
		return store.SessionStatusFinished
	}
}

// AppendEvent validates and records one event in a session's log. A
// session_start event transitions the session to running; a session_stop
// event transitions it to its terminal status and notifies the callback
// orchestrator so any waiting parent can be resumed.
func (s *Store) AppendEvent(ctx context.Context, e *store.Event) (*store.Event, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := validateEvent(e); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(ctx, e.SessionID)
	if err != nil {
		return nil, err
	}
	if store.IsSessionTerminal(sess.Status) {
		return nil, apperrors.Conflict(fmt.Sprintf("session %s is already terminal", e.SessionID))
	}

	if e.EventType == store.EventTypeResult {
		if err := s.enforceOutputSchema(ctx, sess, e); err != nil {
			return nil, err
		}
	}

	if err := s.events.Append(ctx, e); err != nil {
		return nil, err
	}
	s.fanout.BroadcastEvent(e.SessionID, e)

	switch e.EventType {
	case store.EventTypeSessionStart:
		if sess.Status == store.SessionStatusPending {
			if err := s.sessions.UpdateStatus(ctx, e.SessionID, store.SessionStatusRunning); err != nil {
				return nil, err
			}
			sess.Status = store.SessionStatusRunning
			s.fanout.BroadcastSessionUpdated(sess)
		}

	case store.EventTypeSessionStop:
		newStatus := eventTerminalStatus(e.Reason)
		if err := s.sessions.UpdateStatus(ctx, e.SessionID, newStatus); err != nil {
			return nil, err
		}
		sess.Status = newStatus
		s.fanout.BroadcastSessionUpdated(sess)
		s.clearRetry(e.SessionID)
		if s.notifier != nil {
			s.notifier.NotifyTerminal(ctx, sess)
		}
	}

	return e, nil
}

// enforceOutputSchema checks a result event's structured payload against the
// session's agent blueprint output_schema, if one is declared, consuming the
// session's one-shot retry budget on failure. The first failure injects a
// resume run re-stating the schema and the validation error so the agent can
// correct itself; the second failure fails the owning run outright, which
// (via queue.Queue.UpdateRunStatus) also syncs the session to failed and
// notifies any waiting parent. In both failure cases the result event itself
// is rejected and never persisted.
func (s *Store) enforceOutputSchema(ctx context.Context, sess *store.Session, e *store.Event) error {
	if sess.AgentName == nil || *sess.AgentName == "" || s.blueprints == nil {
		return nil
	}
	bp, err := s.blueprints.Get(ctx, *sess.AgentName)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if len(bp.OutputSchema) == 0 {
		return nil
	}

	verr := ValidateResultAgainstSchema(bp.OutputSchema, e.ResultData)
	if verr == nil {
		s.clearRetry(sess.SessionID)
		return nil
	}

	s.mu.Lock()
	attempts := s.retries[sess.SessionID] + 1
	s.retries[sess.SessionID] = attempts
	s.mu.Unlock()

	if attempts <= 1 {
		if err := s.injectSchemaRetry(ctx, sess, bp.OutputSchema, verr); err != nil {
			s.log.Warn("failed to inject output schema retry resume",
				zap.String("session_id", sess.SessionID), zap.Error(err))
		}
		return apperrors.ValidationError(fmt.Sprintf("result_data failed output_schema validation, retry injected: %v", verr), nil)
	}

	s.clearRetry(sess.SessionID)
	failMsg := fmt.Sprintf("OutputSchemaValidationError: Output validation failed after 1 retry: %v", verr)
	if err := s.failOwningRun(ctx, sess.SessionID, failMsg); err != nil {
		s.log.Warn("failed to fail owning run after output schema retry exhaustion",
			zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	return apperrors.ValidationError(failMsg, nil)
}

func (s *Store) clearRetry(sessionID string) {
	s.mu.Lock()
	delete(s.retries, sessionID)
	s.mu.Unlock()
}

// injectSchemaRetry enqueues a same-session resume run carrying the
// validation failure and the schema the next result must conform to,
// mirroring callback.Orchestrator.enqueueResume's resume-injection shape.
func (s *Store) injectSchemaRetry(ctx context.Context, sess *store.Session, outputSchema json.RawMessage, verr error) error {
	if s.runs == nil {
		return nil
	}
	prompt := fmt.Sprintf(
		"Your previous result_data failed output_schema validation: %v\n\n"+
			"Resubmit a result event whose result_data conforms exactly to this schema:\n%s\n",
		verr, string(outputSchema),
	)
	params, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return fmt.Errorf("encode retry parameters: %w", err)
	}
	_, err = s.runs.AddRun(ctx, queue.RunCreate{
		SessionID:     sess.SessionID,
		Type:          store.RunTypeResumeSession,
		Parameters:    params,
		ExecutionMode: store.ExecutionModeAsyncCallback,
	})
	return err
}

func (s *Store) failOwningRun(ctx context.Context, sessionID, errMsg string) error {
	if s.runs == nil {
		return nil
	}
	run, err := s.runs.GetRunBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.runs.UpdateRunStatus(ctx, run.RunID, store.RunStatusFailed, &errMsg)
	return err
}

// validateEvent enforces the minimal per-type shape invariants: a tool event
// names its tool, a message event carries a role, a result event carries
// either text or structured data.
func validateEvent(e *store.Event) error {
	switch e.EventType {
	case store.EventTypePreTool, store.EventTypePostTool:
		if e.ToolName == nil || *e.ToolName == "" {
			return apperrors.ValidationError("tool events require tool_name", nil)
		}
	case store.EventTypeMessage:
		if e.Role == nil || *e.Role == "" {
			return apperrors.ValidationError("message events require role", nil)
		}
	case store.EventTypeResult:
		if e.ResultText == nil && len(e.ResultData) == 0 {
			return apperrors.ValidationError("result events require result_text or result_data", nil)
		}
	case store.EventTypeSessionStart, store.EventTypeSessionStop:
		// no additional shape requirements
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown event_type %q", e.EventType), nil)
	}
	return nil
}

// ValidateResultAgainstSchema checks a result event's structured payload
// against a blueprint's output_schema, if one is declared. Called by
// AppendEvent (via enforceOutputSchema) before a result event is persisted,
// implementing the
// retry-once contract: a schema failure is returned to the caller as an
// error rather than silently stored.
func ValidateResultAgainstSchema(outputSchema json.RawMessage, resultData json.RawMessage) error {
	sch, err := schema.Compile(outputSchema)
	if err != nil {
		return apperrors.ValidationError(err.Error(), nil)
	}
	if err := schema.Validate(sch, resultData); err != nil {
		return apperrors.ValidationError(err.Error(), nil)
	}
	return nil
}
