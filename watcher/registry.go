package watcher

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Registry routes transport callbacks to watchers by id
type Registry struct {
	watchers *xsync.MapOf[uint64, *Watcher]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		watchers: xsync.NewMapOf[uint64, *Watcher](),
	}
}

func (r *Registry) add(w *Watcher) {
	r.watchers.Store(w.id, w)
}

func (r *Registry) remove(id uint64) {
	r.watchers.Delete(id)
}

// Get returns the live watcher with the given id
func (r *Registry) Get(id uint64) (*Watcher, bool) {
	return r.watchers.Load(id)
}

// Len returns the number of watchers that have not finished
func (r *Registry) Len() int {
	return r.watchers.Size()
}

// OnMessage queues a payload for the watcher; unknown ids are dropped
func (r *Registry) OnMessage(id uint64, payload []byte) {
	w, ok := r.watchers.Load(id)
	if !ok {
		log.Debug().Uint64("ticket", id).Msg("Dropping message for unknown watcher")
		return
	}
	w.enqueue(payload)
}

// OnDisconnect terminates the watcher with the given id
func (r *Registry) OnDisconnect(id uint64, cause error) {
	if w, ok := r.watchers.Load(id); ok {
		w.OnDisconnect(cause)
	}
}

// DisconnectAll terminates every watcher, e.g. when the connection closes for good
func (r *Registry) DisconnectAll(cause error) {
	r.watchers.Range(func(_ uint64, w *Watcher) bool {
		w.OnDisconnect(cause)
		return true
	})
}

// CancelAll cancels every watcher
func (r *Registry) CancelAll() {
	r.watchers.Range(func(_ uint64, w *Watcher) bool {
		w.Cancel()
		return true
	})
}

// Watchers returns every live watcher ordered by id
func (r *Registry) Watchers() []*Watcher {
	out := make([]*Watcher, 0, r.watchers.Size())
	r.watchers.Range(func(_ uint64, w *Watcher) bool {
		out = append(out, w)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshots returns every watcher's snapshot ordered by id
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, r.watchers.Size())
	r.watchers.Range(func(_ uint64, w *Watcher) bool {
		out = append(out, w.Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByState counts watchers per state name
func (r *Registry) CountByState() map[string]int {
	counts := make(map[string]int)
	r.watchers.Range(func(_ uint64, w *Watcher) bool {
		counts[w.State().String()]++
		return true
	})
	return counts
}
