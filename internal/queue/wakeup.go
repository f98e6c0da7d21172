package queue

import "sync"

// wakeup is a broadcast-to-all-waiters signal, generalized from the
// register/unregister/broadcast channel idiom the fanout hub uses for
// subscriber delivery: instead of routing a payload to a subscriber set,
// it simply wakes every long-poll waiter so each can recheck claimability.
type wakeup struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{})}
}

// wait returns a channel that closes the next time Broadcast is called.
func (w *wakeup) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// broadcast wakes every current waiter and rearms for the next round.
func (w *wakeup) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
