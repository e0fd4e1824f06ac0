// Package notify fans out cache change signals to observers.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// defaultSignalBufferSize is the buffer size for observer channels.
// Observers that can't keep up have signals dropped (non-blocking send); a
// signal is a hint to re-read the cache, not the data itself.
const defaultSignalBufferSize = 16

// Signal announces that records changed in one committed cache transaction
type Signal struct {
	Keys    []string // Changed record keys that matched the observer's patterns
	Version uint64   // Commit version of the change
}

// subscription represents a single observer
type subscription struct {
	id       uint64
	patterns []glob.Glob
	ch       chan Signal
	closed   atomic.Bool
}

// filter returns the keys this subscription cares about.
// No patterns = all keys.
func (s *subscription) filter(keys []string) []string {
	if len(s.patterns) == 0 {
		return keys
	}

	var matched []string
	for _, key := range keys {
		for _, g := range s.patterns {
			if g.Match(key) {
				matched = append(matched, key)
				break
			}
		}
	}
	return matched
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for cache change signals.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends the changed keys to every observer with a matching pattern (non-blocking).
func (h *Hub) Signal(keys []string, version uint64) {
	if len(keys) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		matched := sub.filter(keys)
		if len(matched) == 0 {
			continue
		}

		select {
		case sub.ch <- Signal{Keys: matched, Version: version}:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers an observer for keys matching any of the glob patterns
// (e.g. "User:*", "Order:4?"). It returns the signal channel and an idempotent
// cancel function that closes it.
func (h *Hub) Subscribe(patterns ...string) (<-chan Signal, func(), error) {
	sub := &subscription{
		id:       h.nextID.Add(1),
		patterns: make([]glob.Glob, 0, len(patterns)),
		ch:       make(chan Signal, defaultSignalBufferSize),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
		}
		sub.patterns = append(sub.patterns, g)
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel, nil
}

// Len returns the number of active observers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Dropped returns how many signals were dropped because an observer was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every observer
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
