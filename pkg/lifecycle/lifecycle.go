// Package lifecycle tracks live host surfaces and the one-shot continuations
// that wait on a surface-originated result, keyed by request code.
//
// An entry is Registered until its result arrives (Fired, continuation runs
// once) or its surface is destroyed (Orphaned, continuation never runs).
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/bridge"
)

const logPrefix = "lifecycle:lifecycle"

var (
	// ErrSurfaceGone is returned when registering against a surface that is
	// not attached or already destroyed.
	ErrSurfaceGone = errors.New("surface is not attached")
	// ErrSlotsExhausted is returned when every slot in a capability's
	// request-code namespace is pending on the surface.
	ErrSlotsExhausted = errors.New("request code slots exhausted")
)

// Result is a surface-originated result, such as a finished sub-activity.
type Result struct {
	Code int `json:"resultCode"`
	Data any `json:"data,omitempty"`
}

// Result codes used by hosts.
const (
	ResultOK       = -1
	ResultCanceled = 0
)

// Continuation receives the result of a fired entry.
type Continuation func(Result)

// Slot identifies one registered entry.
type Slot struct {
	Surface bridge.SurfaceID
	Code    int
	id      uint64
}

type entry struct {
	id    uint64
	owner string
	cont  Continuation
}

// Registry is the process-wide table of attached surfaces and their pending
// entries. Safe for concurrent use; removal under the lock decides which of
// a racing fire and cancel wins.
type Registry struct {
	mu       sync.Mutex
	surfaces map[bridge.SurfaceID]map[int]*entry
	nextID   uint64
	hooks    []func(bridge.SurfaceID)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{surfaces: make(map[bridge.SurfaceID]map[int]*entry)}
}

// OnDestroy adds a hook run after a surface is destroyed and its entries
// orphaned. Hooks run outside the registry lock.
func (r *Registry) OnDestroy(hook func(bridge.SurfaceID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Attach marks a surface live. Attaching twice is a no-op.
func (r *Registry) Attach(surface bridge.SurfaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.surfaces[surface]; !ok {
		r.surfaces[surface] = make(map[int]*entry)
		slog.Debug(fmt.Sprintf("%s - Attached surface %s", logPrefix, surface))
	}
}

// Alive reports whether the surface is attached.
func (r *Registry) Alive(surface bridge.SurfaceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.surfaces[surface]
	return ok
}

// Surfaces lists attached surfaces.
func (r *Registry) Surfaces() []bridge.SurfaceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.SurfaceID, 0, len(r.surfaces))
	for id := range r.surfaces {
		out = append(out, id)
	}
	return out
}

// Register binds cont to the lowest free slot in base+1 .. base+stride-1 on
// the surface. owner is the capability instance key, used by CancelOwner.
func (r *Registry) Register(surface bridge.SurfaceID, owner string, base int, cont Continuation) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.surfaces[surface]
	if !ok {
		return Slot{}, fmt.Errorf("%s - register on %s: %w", logPrefix, surface, ErrSurfaceGone)
	}
	for code := base + 1; code < base+bridge.RequestCodeStride; code++ {
		if _, taken := entries[code]; taken {
			continue
		}
		r.nextID++
		entries[code] = &entry{id: r.nextID, owner: owner, cont: cont}
		return Slot{Surface: surface, Code: code, id: r.nextID}, nil
	}
	return Slot{}, fmt.Errorf("%s - register on %s from base %d: %w", logPrefix, surface, base, ErrSlotsExhausted)
}

// Fire delivers res to the entry at code and removes it. It reports whether
// an entry fired.
func (r *Registry) Fire(surface bridge.SurfaceID, code int, res Result) bool {
	r.mu.Lock()
	entries, ok := r.surfaces[surface]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e, ok := entries[code]
	if ok {
		delete(entries, code)
	}
	r.mu.Unlock()

	if !ok {
		slog.Debug(fmt.Sprintf("%s - No listener for code %d on %s", logPrefix, code, surface))
		return false
	}
	runContinuation(surface, code, e, res)
	return true
}

func runContinuation(surface bridge.SurfaceID, code int, e *entry, res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic in listener %d on %s: %v", logPrefix, code, surface, r))
		}
	}()
	e.cont(res)
}

// Cancel removes the slot's entry without firing it.
func (r *Registry) Cancel(slot Slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.surfaces[slot.Surface]
	if !ok {
		return false
	}
	e, ok := entries[slot.Code]
	if !ok || e.id != slot.id {
		return false
	}
	delete(entries, slot.Code)
	return true
}

// CancelOwner removes every entry registered by owner, on every surface.
func (r *Registry) CancelOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entries := range r.surfaces {
		for code, e := range entries {
			if e.owner == owner {
				delete(entries, code)
				n++
			}
		}
	}
	return n
}

// Pending counts entries waiting on the surface.
func (r *Registry) Pending(surface bridge.SurfaceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.surfaces[surface])
}

// PendingOwner counts entries registered by owner.
func (r *Registry) PendingOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entries := range r.surfaces {
		for _, e := range entries {
			if e.owner == owner {
				n++
			}
		}
	}
	return n
}

// Destroy detaches the surface. Its pending entries are orphaned: removed
// without running, so their callbacks never answer. Destroy hooks run after.
func (r *Registry) Destroy(surface bridge.SurfaceID) {
	r.mu.Lock()
	entries, ok := r.surfaces[surface]
	delete(r.surfaces, surface)
	hooks := make([]func(bridge.SurfaceID), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	if !ok {
		return
	}
	if len(entries) > 0 {
		slog.Info(fmt.Sprintf("%s - Surface %s destroyed, orphaned %d pending listeners", logPrefix, surface, len(entries)))
	}
	for _, hook := range hooks {
		hook(surface)
	}
}
