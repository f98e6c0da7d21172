// Package runner implements the runner registry and long-poll delivery
// protocol: identity, heartbeat-based liveness, stop-command wakeups, and
// deregistration lifecycle.
package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/metrics"
	"github.com/kandev/agentctrl/internal/store"
)

// RegisterRequest is the caller-supplied shape for POST /runners/register.
type RegisterRequest struct {
	Hostname        string
	ProjectDir      string
	ExecutorProfile string
	Tags            []string
	ExecutorType    string
}

// RegisterResponse mirrors the fields the protocol hands back to a runner.
type RegisterResponse struct {
	RunnerID                string
	PollEndpoint            string
	PollTimeoutSeconds      int
	HeartbeatIntervalSeconds int
}

// Registry tracks runner identity and liveness, and holds the per-runner
// stop-command and deregistration state that the long-poll loop consults.
type Registry struct {
	repo *store.RunnerRepo
	log  *logger.Logger

	pollTimeout       time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu            sync.Mutex
	stopQueues    map[string][]string // runner_id -> pending stop run_ids
	deregistering map[string]bool     // runner_id -> marked for deregistration externally
}

// New constructs a Registry.
func New(repo *store.RunnerRepo, pollTimeout, heartbeatInterval, heartbeatTimeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		repo:              repo,
		log:               log.WithFields(zap.String("component", "runner_registry")),
		pollTimeout:       pollTimeout,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		stopQueues:        make(map[string][]string),
		deregistering:     make(map[string]bool),
	}
}

// Register computes (or recognises) a runner's identity and upserts its row.
// Re-registration is idempotent: it refreshes the heartbeat and clears any
// shutting-down mark.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	runnerID := store.NewRunnerID(req.Hostname, req.ProjectDir, req.ExecutorProfile)

	tags, err := json.Marshal(req.Tags)
	if err != nil {
		return RegisterResponse{}, err
	}
	tagsStr := string(tags)

	runner := &store.Runner{
		RunnerID:        runnerID,
		Hostname:        &req.Hostname,
		ProjectDir:      &req.ProjectDir,
		ExecutorProfile: req.ExecutorProfile,
		Tags:            tagsStr,
		ExecutorType:    req.ExecutorType,
	}
	if err := r.repo.Upsert(ctx, runner); err != nil {
		return RegisterResponse{}, err
	}

	r.mu.Lock()
	delete(r.deregistering, runnerID)
	r.mu.Unlock()

	r.refreshOnlineGauge(ctx)

	return RegisterResponse{
		RunnerID:                 runnerID,
		PollEndpoint:             "/runners/jobs",
		PollTimeoutSeconds:       int(r.pollTimeout.Seconds()),
		HeartbeatIntervalSeconds: int(r.heartbeatInterval.Seconds()),
	}, nil
}

// Heartbeat refreshes a runner's liveness.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) error {
	return r.repo.Heartbeat(ctx, runnerID)
}

// List returns all registered runners.
func (r *Registry) List(ctx context.Context) ([]store.Runner, error) {
	return r.repo.List(ctx)
}

// Get fetches a runner by id.
func (r *Registry) Get(ctx context.Context, runnerID string) (*store.Runner, error) {
	return r.repo.Get(ctx, runnerID)
}

// SweepStale marks runners whose heartbeat predates the timeout as stale.
func (r *Registry) SweepStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.heartbeatTimeout)
	ids, err := r.repo.MarkStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		r.log.Info("marked runners stale", zap.Strings("runner_ids", ids))
		r.refreshOnlineGauge(ctx)
	}
	return nil
}

// refreshOnlineGauge recomputes RunnersOnline from the persisted runner list.
// Called after any operation that changes a runner's registered/stale state.
func (r *Registry) refreshOnlineGauge(ctx context.Context) {
	runners, err := r.repo.List(ctx)
	if err != nil {
		r.log.Warn("failed to refresh runners_online gauge", zap.Error(err))
		return
	}
	online := 0
	for _, rn := range runners {
		if rn.Status == store.RunnerStatusOnline {
			online++
		}
	}
	metrics.RunnersOnline.Set(float64(online))
}

// Deregister removes a runner. If self is true the removal is immediate
// (the runner itself is asking to leave). Otherwise the runner is only
// marked; it is removed once it observes {deregistered:true} on its next poll.
func (r *Registry) Deregister(ctx context.Context, runnerID string, self bool) error {
	if self {
		r.clearRunnerState(runnerID)
		if err := r.repo.Delete(ctx, runnerID); err != nil {
			return err
		}
		r.refreshOnlineGauge(ctx)
		return nil
	}

	if err := r.repo.MarkDeregistering(ctx, runnerID); err != nil {
		return err
	}
	r.mu.Lock()
	r.deregistering[runnerID] = true
	r.mu.Unlock()
	return nil
}

// IsDeregistering reports whether an external deregistration is pending for this runner.
func (r *Registry) IsDeregistering(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregistering[runnerID]
}

// AcknowledgeDeregistration completes an external deregistration once the
// runner has observed {deregistered:true} and is removed from the registry.
func (r *Registry) AcknowledgeDeregistration(ctx context.Context, runnerID string) error {
	r.clearRunnerState(runnerID)
	if err := r.repo.Delete(ctx, runnerID); err != nil {
		return err
	}
	r.refreshOnlineGauge(ctx)
	return nil
}

// EnqueueStop appends a run id to a runner's pending stop-command queue.
func (r *Registry) EnqueueStop(runnerID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopQueues[runnerID] = append(r.stopQueues[runnerID], runID)
}

// DrainStops returns and clears a runner's pending stop commands.
func (r *Registry) DrainStops(runnerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stops := r.stopQueues[runnerID]
	delete(r.stopQueues, runnerID)
	return stops
}

func (r *Registry) clearRunnerState(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stopQueues, runnerID)
	delete(r.deregistering, runnerID)
}

// PollTimeout returns the configured long-poll hold duration.
func (r *Registry) PollTimeout() time.Duration { return r.pollTimeout }
