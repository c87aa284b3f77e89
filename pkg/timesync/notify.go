package timesync

import "sync"

// notifier is a broadcast wakeup primitive. Every waiter registered before a
// Broadcast is released; waiters must re-check their condition after waking,
// which keeps the retry discipline correct under spurious wakeups.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// Wait returns a channel that is closed on the next Broadcast. Callers must
// obtain the channel before re-checking their condition to avoid losing a
// wakeup between the check and the wait.
func (n *notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Broadcast releases all current waiters.
func (n *notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
