// Package supervisor owns the controller's top-level reconciliation
// lifecycle: on startup it enumerates every known pipeline descriptor and
// spawns one automaton goroutine per pipeline, and thereafter reacts to
// create/edit/delete events from the (out-of-scope) user-facing API by
// spawning, notifying, or signaling exit to the corresponding automaton.
package supervisor

import (
	"sync"

	"github.com/streamforge/pipeline-controller/internal/automaton"
	"github.com/streamforge/pipeline-controller/internal/domain"
)

// registry is the Supervisor's map of Notify handles, adapted from the
// teacher's event-bus subscriber map: a read-mostly structure guarded by a
// single mutex, the only state shared across automata. Entries also carry
// the cancel func for the automaton's goroutine context, since signaling
// exit (a delete event) and notifying (a create/edit event) go through the
// same registry.
type registry struct {
	mu      sync.RWMutex
	entries map[domain.TenantPipelineID]*entry
}

type entry struct {
	notify *automaton.Notify
	cancel func()
}

func newRegistry() *registry {
	return &registry{entries: make(map[domain.TenantPipelineID]*entry)}
}

// register records a freshly spawned automaton's handles. Any existing
// entry for the same key is overwritten without canceling it — callers
// must cancel the old entry themselves first if replacing a live automaton.
func (r *registry) register(id domain.TenantPipelineID, notify *automaton.Notify, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{notify: notify, cancel: cancel}
}

// unregister removes an entry, typically called once an automaton's Run
// goroutine has returned.
func (r *registry) unregister(id domain.TenantPipelineID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// notifyOne wakes the automaton for id if one is registered, collapsing
// into its pending wakeup if it already has one queued. Reports whether an
// automaton was found.
func (r *registry) notifyOne(id domain.TenantPipelineID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.notify.NotifyOne()
	return true
}

// cancel signals exit to the automaton for id, if one is registered.
// Reports whether an automaton was found.
func (r *registry) cancel(id domain.TenantPipelineID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// has reports whether an automaton is currently registered for id.
func (r *registry) has(id domain.TenantPipelineID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// count returns the number of currently registered automata.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
