// Package callbackctx holds the persistent subscriptions registered by
// event-mode actions, keyed by (capability instance, action).
package callbackctx

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/bridge"
)

const logPrefix = "callbackctx:registry"

type key struct {
	instance string
	action   string
}

type entry struct {
	req      *bridge.Request
	onRemove func()
}

// Registry is safe for concurrent use. onRemove hooks run outside the lock.
type Registry struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*entry)}
}

// Put registers req under (req.Instance, req.Action), replacing and
// removing any existing entry. An invalid callback is the caller's teardown
// signal: the entry is removed instead and Put returns false.
func (r *Registry) Put(req *bridge.Request, onRemove func()) bool {
	if !bridge.IsValid(req.Callback) {
		r.Remove(req.Instance, req.Action)
		return false
	}
	k := key{instance: req.Instance, action: req.Action}
	r.mu.Lock()
	old := r.entries[k]
	r.entries[k] = &entry{req: req, onRemove: onRemove}
	r.mu.Unlock()

	if old != nil {
		slog.Debug(fmt.Sprintf("%s - Replaced %s/%s", logPrefix, k.instance, k.action))
		runRemove(old)
	}
	return true
}

// Remove unregisters (instance, action). Removing a missing key is a no-op.
func (r *Registry) Remove(instance, action string) bool {
	k := key{instance: instance, action: action}
	r.mu.Lock()
	old, ok := r.entries[k]
	delete(r.entries, k)
	r.mu.Unlock()
	if ok {
		runRemove(old)
	}
	return ok
}

// Notify delivers resp to the registered callback if it is still valid.
func (r *Registry) Notify(instance, action string, resp *bridge.Response) bool {
	r.mu.Lock()
	e, ok := r.entries[key{instance: instance, action: action}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !bridge.IsValid(e.req.Callback) {
		slog.Debug(fmt.Sprintf("%s - Callback for %s/%s no longer valid", logPrefix, instance, action))
		return false
	}
	e.req.Callback.Deliver(resp)
	return true
}

// Clear removes every entry of a capability instance.
func (r *Registry) Clear(instance string) int {
	return r.removeWhere(func(k key, _ *entry) bool { return k.instance == instance })
}

// ClearSurface removes every entry registered from a surface.
func (r *Registry) ClearSurface(surface bridge.SurfaceID) int {
	return r.removeWhere(func(_ key, e *entry) bool { return e.req.Surface == surface })
}

// ClearAll removes everything.
func (r *Registry) ClearAll() int {
	return r.removeWhere(func(key, *entry) bool { return true })
}

func (r *Registry) removeWhere(match func(key, *entry) bool) int {
	r.mu.Lock()
	var removed []*entry
	for k, e := range r.entries {
		if match(k, e) {
			removed = append(removed, e)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()
	for _, e := range removed {
		runRemove(e)
	}
	return len(removed)
}

// Has reports whether (instance, action) is registered.
func (r *Registry) Has(instance, action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key{instance: instance, action: action}]
	return ok
}

// Count returns the number of entries held for an instance.
func (r *Registry) Count(instance string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.entries {
		if k.instance == instance {
			n++
		}
	}
	return n
}

// Len returns the total number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Emitter returns an Emitter bound to (instance, action).
func (r *Registry) Emitter(instance, action string) bridge.Emitter {
	return &emitter{r: r, instance: instance, action: action}
}

type emitter struct {
	r        *Registry
	instance string
	action   string
}

func (e *emitter) Emit(resp *bridge.Response) bool {
	return e.r.Notify(e.instance, e.action, resp)
}

func runRemove(e *entry) {
	if e.onRemove == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic in remove hook for %s/%s: %v", logPrefix, e.req.Instance, e.req.Action, r))
		}
	}()
	e.onRemove()
}
