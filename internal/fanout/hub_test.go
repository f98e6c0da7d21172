package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type fakeSessionLister struct {
	sessions []store.Session
}

func (f *fakeSessionLister) List(ctx context.Context) ([]store.Session, error) {
	return f.sessions, nil
}

type recordingMirror struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (m *recordingMirror) Publish(subject string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, data)
}

func (m *recordingMirror) Close() {}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subjects)
}

func TestSubscribeSendsInitFrame(t *testing.T) {
	lister := &fakeSessionLister{sessions: []store.Session{{SessionID: "s1"}}}
	hub := NewHubWithMirror(lister, NewNoopMirror(), newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), "sub-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	data := <-sub.Recv()
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, FrameInit, frame.Type)
	require.Len(t, frame.Sessions, 1)
	assert.Equal(t, "s1", frame.Sessions[0].SessionID)
}

func TestBroadcastReachesAllSubscribersAndMirror(t *testing.T) {
	lister := &fakeSessionLister{}
	mirror := &recordingMirror{}
	hub := NewHubWithMirror(lister, mirror, newTestLogger(t))

	sub1, err := hub.Subscribe(context.Background(), "sub-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub1)
	<-sub1.Recv() // drain init frame

	sub2, err := hub.Subscribe(context.Background(), "sub-2")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub2)
	<-sub2.Recv() // drain init frame

	assert.Equal(t, 2, hub.Count())

	hub.BroadcastSessionUpdated(&store.Session{SessionID: "s1"})

	data1 := <-sub1.Recv()
	data2 := <-sub2.Recv()

	var frame1, frame2 Frame
	require.NoError(t, json.Unmarshal(data1, &frame1))
	require.NoError(t, json.Unmarshal(data2, &frame2))
	assert.Equal(t, FrameSessionUpdated, frame1.Type)
	assert.Equal(t, FrameSessionUpdated, frame2.Type)

	assert.Equal(t, 1, mirror.count())
}

func TestUnsubscribeClosesChannelAndDropsCount(t *testing.T) {
	lister := &fakeSessionLister{}
	hub := NewHubWithMirror(lister, NewNoopMirror(), newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), "sub-1")
	require.NoError(t, err)
	<-sub.Recv()

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.Count())

	_, ok := <-sub.Recv()
	assert.False(t, ok)
}

func TestDeliverDisconnectsSubscriberWithFullQueue(t *testing.T) {
	lister := &fakeSessionLister{}
	hub := NewHubWithMirror(lister, NewNoopMirror(), newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), "sub-1")
	require.NoError(t, err)
	<-sub.Recv() // drain init frame

	// Fill the subscriber's bounded queue without draining, forcing the
	// next broadcast to find it full and disconnect it.
	for i := 0; i < sendQueueSize; i++ {
		hub.BroadcastSessionUpdated(&store.Session{SessionID: "s1"})
	}
	assert.Equal(t, 1, hub.Count())

	hub.BroadcastSessionUpdated(&store.Session{SessionID: "s1"})
	assert.Equal(t, 0, hub.Count())
}
