package runner

import (
	"context"
	"time"

	"github.com/kandev/agentctrl/internal/store"
)

// Dispatcher is the narrow slice of the run queue the long-poll loop needs.
type Dispatcher interface {
	ClaimRun(ctx context.Context, runnerID string, caps store.Capabilities) (*store.Run, bool, error)
	Wait() <-chan struct{}
}

// PollResult is the outcome of a single long-poll request, encoding the
// four possible responses the protocol defines.
type PollResult struct {
	Run          *store.Run
	StopRunIDs   []string
	Deregistered bool
}

// LongPoll holds the connection open until a claimable run exists, a stop
// command is pending, the runner is marked deregistered, or the timeout
// elapses. Each iteration rechecks claimability rather than trusting the
// wakeup alone, since multiple waiters can race on the same wakeup event.
func (r *Registry) LongPoll(ctx context.Context, dispatcher Dispatcher, runnerID string, caps store.Capabilities) (PollResult, error) {
	deadline := time.NewTimer(r.pollTimeout)
	defer deadline.Stop()

	for {
		if r.IsDeregistering(runnerID) {
			return PollResult{Deregistered: true}, nil
		}
		if stops := r.DrainStops(runnerID); len(stops) > 0 {
			return PollResult{StopRunIDs: stops}, nil
		}

		run, claimed, err := dispatcher.ClaimRun(ctx, runnerID, caps)
		if err != nil {
			return PollResult{}, err
		}
		if claimed {
			return PollResult{Run: run}, nil
		}

		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-deadline.C:
			return PollResult{}, nil
		case <-dispatcher.Wait():
			// A wakeup fired; loop around to recheck claimability, stops,
			// and deregistration before re-arming the deadline timer.
			continue
		}
	}
}
