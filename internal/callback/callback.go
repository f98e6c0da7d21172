// Package callback implements the callback orchestrator: guaranteed
// delivery of child-session completion results to parent sessions via
// injected resume runs, tolerating concurrent children and busy parents.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"text/template"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/metrics"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/store"
)

// frame is one queued callback notification awaiting delivery to a parent.
type frame struct {
	rendered string
}

// SessionGetter is the narrow slice of the session store needed to resolve a
// parent's current status.
type SessionGetter interface {
	Get(ctx context.Context, sessionID string) (*store.Session, error)
}

// ResultGetter is the narrow slice of the event store needed to fetch a
// terminated child's canonical result.
type ResultGetter interface {
	LatestResult(ctx context.Context, sessionID string) (*store.Event, error)
}

// Orchestrator holds the per-parent pending-notification queues and the
// logic to enqueue or flush them.
type Orchestrator struct {
	runs     *queue.Queue
	sessions SessionGetter
	results  ResultGetter
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string][]frame // parent_session_id -> queued frames
}

// New constructs an Orchestrator.
func New(runs *queue.Queue, sessions SessionGetter, results ResultGetter, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		runs:     runs,
		sessions: sessions,
		results:  results,
		log:      log.WithFields(zap.String("component", "callback_orchestrator")),
		pending:  make(map[string][]frame),
	}
}

// NotifyTerminal is called by the session store whenever a session reaches a
// terminal status. It delivers this session's result to its parent (if any)
// as a callback, and flushes this session's own queued notifications (if
// any accumulated while it was busy fielding callbacks from its children).
func (o *Orchestrator) NotifyTerminal(ctx context.Context, session *store.Session) {
	if session.ParentSessionID != nil && *session.ParentSessionID != "" {
		if err := o.deliverToParent(ctx, *session.ParentSessionID, session); err != nil {
			o.log.Error("failed to deliver callback to parent",
				zap.String("parent_session_id", *session.ParentSessionID),
				zap.String("child_session_id", session.SessionID),
				zap.Error(err))
		}
	}

	if err := o.Flush(ctx, session.SessionID); err != nil {
		o.log.Error("failed to flush notification queue on terminal",
			zap.String("session_id", session.SessionID), zap.Error(err))
	}
}

// deliverToParent renders the child's result as a callback frame and either
// enqueues it immediately (parent idle) or appends it to the parent's
// pending queue (parent busy).
func (o *Orchestrator) deliverToParent(ctx context.Context, parentSessionID string, child *store.Session) error {
	rendered, err := o.renderChildFrame(ctx, child)
	if err != nil {
		return err
	}

	parent, err := o.sessions.Get(ctx, parentSessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			o.log.Warn("parent session not found, discarding callback", zap.String("parent_session_id", parentSessionID))
			metrics.CallbackNotificationsDiscarded.Inc()
			return nil
		}
		return err
	}
	if store.IsSessionTerminal(parent.Status) {
		o.log.Warn("parent session already terminal, discarding callback", zap.String("parent_session_id", parentSessionID))
		metrics.CallbackNotificationsDiscarded.Inc()
		return nil
	}

	busy, err := o.parentIsBusy(ctx, parentSessionID)
	if err != nil {
		return err
	}
	if busy {
		o.mu.Lock()
		o.pending[parentSessionID] = append(o.pending[parentSessionID], frame{rendered: rendered})
		o.mu.Unlock()
		return nil
	}

	if err := o.enqueueResume(ctx, parentSessionID, []string{rendered}); err != nil {
		return err
	}
	metrics.CallbackNotificationsDelivered.Inc()
	return nil
}

// Flush delivers a session's own accumulated notification queue, if any, as
// a single resume run. Called whenever the session itself terminates, so
// that notifications queued while it was busy are not left stranded. Queued
// frames for a parent session that no longer exists are discarded.
func (o *Orchestrator) Flush(ctx context.Context, parentSessionID string) error {
	o.mu.Lock()
	frames := o.pending[parentSessionID]
	delete(o.pending, parentSessionID)
	o.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}

	if _, err := o.sessions.Get(ctx, parentSessionID); err != nil {
		if apperrors.IsNotFound(err) {
			metrics.CallbackNotificationsDiscarded.Add(float64(len(frames)))
			return nil
		}
		return err
	}

	rendered := make([]string, len(frames))
	for i, f := range frames {
		rendered[i] = f.rendered
	}
	if err := o.enqueueResume(ctx, parentSessionID, rendered); err != nil {
		return err
	}
	metrics.CallbackNotificationsDelivered.Add(float64(len(frames)))
	return nil
}

func (o *Orchestrator) parentIsBusy(ctx context.Context, sessionID string) (bool, error) {
	run, err := o.runs.GetRunBySessionID(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return run != nil && store.IsRunActive(run.Status), nil
}

func (o *Orchestrator) enqueueResume(ctx context.Context, parentSessionID string, frames []string) error {
	prompt := RenderPrompt(frames)
	params, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return fmt.Errorf("encode resume parameters: %w", err)
	}
	_, err = o.runs.AddRun(ctx, queue.RunCreate{
		SessionID:     parentSessionID,
		Type:          store.RunTypeResumeSession,
		Parameters:    params,
		ExecutionMode: store.ExecutionModeAsyncCallback,
	})
	return err
}

// renderChildFrame resolves a terminated child's canonical result and
// status into a single callback frame. Sessions that failed or stopped
// before ever producing a result event render an empty-bodied frame rather
// than erroring, since the absence of a result is itself informative.
func (o *Orchestrator) renderChildFrame(ctx context.Context, child *store.Session) (string, error) {
	var resultText string
	var resultData string

	result, err := o.results.LatestResult(ctx, child.SessionID)
	if err != nil && !apperrors.IsNotFound(err) {
		return "", err
	}
	if result != nil {
		if result.ResultText != nil {
			resultText = *result.ResultText
		}
		if len(result.ResultData) > 0 {
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, result.ResultData, "", "  "); err == nil {
				resultData = pretty.String()
			} else {
				resultData = string(result.ResultData)
			}
		}
	}
	callbackStatus := child.Status
	if callbackStatus == store.SessionStatusFinished {
		callbackStatus = "completed"
	}
	if resultText == "" && callbackStatus != "completed" {
		resultText = fmt.Sprintf("session %s ended with status %s", child.SessionID, child.Status)
	}

	return RenderFrame(child.SessionID, callbackStatus, resultText, resultData)
}

const frameTemplate = `<agent-callback session="{{.Session}}" status="{{.Status}}">
{{if eq .Status "completed"}}## Child Result
{{else}}## Error
{{end}}{{.ResultText}}
{{if .ResultData}}
## Structured Data
` + "```json" + `
{{.ResultData}}
` + "```" + `
{{end}}</agent-callback>`

var tpl = template.Must(template.New("callback-frame").Parse(frameTemplate))

type frameData struct {
	Session    string
	Status     string
	ResultText string
	ResultData string
}

// RenderFrame renders a single callback frame for embedding in a resume
// run's prompt.
func RenderFrame(childSessionID, status, resultText, resultData string) (string, error) {
	var buf bytes.Buffer
	err := tpl.Execute(&buf, frameData{
		Session:    childSessionID,
		Status:     status,
		ResultText: resultText,
		ResultData: resultData,
	})
	if err != nil {
		return "", fmt.Errorf("render callback frame: %w", err)
	}
	return buf.String(), nil
}

// RenderPrompt concatenates one or more frames into a resume run prompt, in
// the order queued, followed by a closing instruction to continue.
func RenderPrompt(frames []string) string {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.WriteString(f)
		buf.WriteString("\n\n")
	}
	buf.WriteString("Please continue with the orchestration based on this result.\n")
	return buf.String()
}
