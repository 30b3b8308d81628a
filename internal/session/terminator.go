package session

import (
	"context"
	"log/slog"
	"sync"
)

// Terminator ends a session: it clears the stored credential and emits the
// session-ended signal once per session.
type Terminator struct {
	store   *CredentialStore
	metrics *Metrics

	mu          sync.Mutex
	ended       chan struct{}
	fired       bool
	subscribers map[uint64]func()
	nextID      uint64
}

// NewTerminator creates a Terminator with an active session.
func NewTerminator(store *CredentialStore, metrics *Metrics) *Terminator {
	return &Terminator{
		store:       store,
		metrics:     metrics,
		ended:       make(chan struct{}),
		subscribers: make(map[uint64]func()),
	}
}

// Terminate clears the credential store and emits the session-ended signal.
// The store is cleared before Terminate returns; subscribers run on their own
// goroutines. Concurrent terminations of one session emit once.
func (t *Terminator) Terminate(ctx context.Context, reason error) {
	t.store.Clear(ctx)

	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	close(t.ended)
	subscribers := make([]func(), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subscribers = append(subscribers, fn)
	}
	t.mu.Unlock()

	t.metrics.observeSessionEnded()
	slog.WarnContext(ctx, "session ended", "reason", reason)

	for _, fn := range subscribers {
		go fn()
	}
}

// Ended returns a channel closed when the current session ends.
func (t *Terminator) Ended() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OnEnded registers fn to run whenever a session ends. The returned function
// unregisters it.
func (t *Terminator) OnEnded(fn func()) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// Begin starts a new session, re-arming the one-shot signal.
func (t *Terminator) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired {
		t.ended = make(chan struct{})
		t.fired = false
	}
}
