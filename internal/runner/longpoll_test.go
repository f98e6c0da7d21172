package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/store"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	run    *store.Run
	claim  bool
	waitCh chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{waitCh: make(chan struct{})}
}

func (d *fakeDispatcher) ClaimRun(ctx context.Context, runnerID string, caps store.Capabilities) (*store.Run, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claim {
		return d.run, true, nil
	}
	return nil, false, nil
}

func (d *fakeDispatcher) Wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitCh
}

func (d *fakeDispatcher) makeClaimable(run *store.Run) {
	d.mu.Lock()
	d.run = run
	d.claim = true
	old := d.waitCh
	d.waitCh = make(chan struct{})
	d.mu.Unlock()
	close(old)
}

func TestLongPollReturnsTimeoutWithNothingClaimable(t *testing.T) {
	r := newTestRegistry(t)
	r.pollTimeout = 50 * time.Millisecond
	dispatcher := newFakeDispatcher()

	result, err := r.LongPoll(context.Background(), dispatcher, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	assert.Nil(t, result.Run)
	assert.Empty(t, result.StopRunIDs)
	assert.False(t, result.Deregistered)
}

func TestLongPollReturnsClaimedRunOnWakeup(t *testing.T) {
	r := newTestRegistry(t)
	r.pollTimeout = time.Second
	dispatcher := newFakeDispatcher()

	run := &store.Run{RunID: "run-1"}
	go func() {
		time.Sleep(10 * time.Millisecond)
		dispatcher.makeClaimable(run)
	}()

	result, err := r.LongPoll(context.Background(), dispatcher, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	require.NotNil(t, result.Run)
	assert.Equal(t, "run-1", result.Run.RunID)
}

func TestLongPollReturnsStopCommandsBeforeClaiming(t *testing.T) {
	r := newTestRegistry(t)
	r.pollTimeout = time.Second
	dispatcher := newFakeDispatcher()

	r.EnqueueStop("runner-1", "run-to-stop")

	result, err := r.LongPoll(context.Background(), dispatcher, "runner-1", store.Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-to-stop"}, result.StopRunIDs)
	assert.Nil(t, result.Run)
}

func TestLongPollReturnsDeregisteredWhenMarked(t *testing.T) {
	r := newTestRegistry(t)
	r.pollTimeout = time.Second
	dispatcher := newFakeDispatcher()
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{Hostname: "host-1", ProjectDir: "/proj", ExecutorProfile: "default"})
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, store.NewRunnerID("host-1", "/proj", "default"), false))

	result, err := r.LongPoll(ctx, dispatcher, store.NewRunnerID("host-1", "/proj", "default"), store.Capabilities{})
	require.NoError(t, err)
	assert.True(t, result.Deregistered)
}
