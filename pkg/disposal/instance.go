package disposal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/bridge"
)

const instanceLogPrefix = "disposal:instance"

// ErrDisposed is returned when a disposed instance is asked for a resource.
var ErrDisposed = errors.New("capability instance disposed")

// Disposer is implemented by handlers that hold state beyond the resources
// acquired through their instance.
type Disposer interface {
	Dispose(force bool)
}

// Instance is one live capability instance. Its lock guards the disposed
// flag and lazily acquired resources.
type Instance struct {
	key        string
	capability string
	surface    bridge.SurfaceID
	resident   bool

	mu        sync.Mutex
	disposed  bool
	resources map[string]io.Closer
	order     []string
	disposer  Disposer
}

func newInstance(key, capability string, surface bridge.SurfaceID, resident bool) *Instance {
	return &Instance{
		key:        key,
		capability: capability,
		surface:    surface,
		resident:   resident,
		resources:  make(map[string]io.Closer),
	}
}

// Key identifies the instance in the callback and lifecycle registries.
func (i *Instance) Key() string { return i.key }

// Capability returns the capability name.
func (i *Instance) Capability() string { return i.capability }

// Surface returns the surface the instance is bound to, empty for
// process-wide instances.
func (i *Instance) Surface() bridge.SurfaceID { return i.surface }

// Resident reports whether the instance is reused across requests.
func (i *Instance) Resident() bool { return i.resident }

// Disposed reports whether the instance has been disposed.
func (i *Instance) Disposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}

// Acquire returns the resource registered under name, opening it on first
// use. Resources are closed in reverse acquisition order on forced disposal.
func (i *Instance) Acquire(name string, open func() (io.Closer, error)) (io.Closer, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return nil, fmt.Errorf("%s - acquire %s on %s: %w", instanceLogPrefix, name, i.key, ErrDisposed)
	}
	if r, ok := i.resources[name]; ok {
		return r, nil
	}
	r, err := open()
	if err != nil {
		return nil, fmt.Errorf("%s - open %s on %s: %w", instanceLogPrefix, name, i.key, err)
	}
	i.resources[name] = r
	i.order = append(i.order, name)
	slog.Debug(fmt.Sprintf("%s - Acquired %s on %s", instanceLogPrefix, name, i.key))
	return r, nil
}

// Resource returns an already acquired resource.
func (i *Instance) Resource(name string) (io.Closer, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.resources[name]
	return r, ok
}

// SetDisposer registers the handler state to tear down with the instance.
func (i *Instance) SetDisposer(d Disposer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disposer = d
}

// markDisposed flips the flag. Graceful disposal of an instance that never
// acquired anything is a no-op and reports false.
func (i *Instance) markDisposed(force bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !force && len(i.resources) == 0 && i.disposer == nil {
		return false
	}
	i.disposed = true
	return true
}

// release closes resources in reverse order and returns the disposer.
func (i *Instance) release() Disposer {
	i.mu.Lock()
	names := i.order
	resources := i.resources
	d := i.disposer
	i.order = nil
	i.resources = make(map[string]io.Closer)
	i.disposer = nil
	i.mu.Unlock()

	for idx := len(names) - 1; idx >= 0; idx-- {
		name := names[idx]
		if err := resources[name].Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - close %s on %s: %v", instanceLogPrefix, name, i.key, err))
		}
	}
	return d
}
