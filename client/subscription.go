package client

import (
	"runtime"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/liveq/watcher"
)

// Subscription is the caller's handle on a watcher. Dropping the last
// reference without calling Close cancels the watcher once the handle is
// collected.
type Subscription struct {
	w       *watcher.Watcher
	cleanup runtime.Cleanup
	once    sync.Once
}

func newSubscription(w *watcher.Watcher) *Subscription {
	s := &Subscription{w: w}
	s.cleanup = runtime.AddCleanup(s, func(w *watcher.Watcher) { w.Cancel() }, w)
	return s
}

// ID returns the watcher's ticket
func (s *Subscription) ID() uint64 {
	return s.w.ID()
}

// State returns the watcher's current state
func (s *Subscription) State() watcher.State {
	return s.w.State()
}

// Ready resolves with the bound topics or the error that ended registration
func (s *Subscription) Ready() *future.Future[[]string] {
	return s.w.Ready()
}

// Done is closed after the watcher's last handler call returned
func (s *Subscription) Done() <-chan struct{} {
	return s.w.Done()
}

// Close cancels the watcher; safe to call more than once
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cleanup.Stop()
		s.w.Cancel()
	})
}
