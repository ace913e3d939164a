// Package disposal owns capability instances and their teardown.
//
// Graceful disposal only marks an instance disposed so in-flight work
// discovers the flag when it tries to respond. Forced disposal also clears
// the instance's lifecycle listeners, callback contexts and relay
// subscription and releases its resources, synchronously. Neither waits on
// in-flight tasks.
package disposal

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/callbackctx"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
	"github.com/morezero/capability-bridge/pkg/relay"
)

const logPrefix = "disposal:manager"

// Manager is safe for concurrent use.
type Manager struct {
	lifecycle *lifecycle.Registry
	contexts  *callbackctx.Registry
	relay     *relay.Relay

	mu        sync.Mutex
	instances map[string]*Instance
	resident  map[string]*Instance
	hooks     []func(inst *Instance, force bool)
}

// NewManager creates a Manager. Any registry may be nil.
func NewManager(lc *lifecycle.Registry, cc *callbackctx.Registry, rl *relay.Relay) *Manager {
	return &Manager{
		lifecycle: lc,
		contexts:  cc,
		relay:     rl,
		instances: make(map[string]*Instance),
		resident:  make(map[string]*Instance),
	}
}

// OnDispose registers a hook run after an instance is disposed.
func (m *Manager) OnDispose(hook func(inst *Instance, force bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func residentKey(capability string, surface bridge.SurfaceID) string {
	return capability + "@" + string(surface)
}

// Instance returns the process-wide instance for capability, as
// InstanceFor with no surface.
func (m *Manager) Instance(capability string, resident bool) *Instance {
	return m.InstanceFor(capability, "", resident)
}

// InstanceFor returns the instance serving the next request for capability
// on surface. A resident capability reuses its live instance on that
// surface; a disposed one is replaced. Non-resident capabilities get a
// fresh instance every call.
func (m *Manager) InstanceFor(capability string, surface bridge.SurfaceID, resident bool) *Instance {
	rk := residentKey(capability, surface)
	m.mu.Lock()
	defer m.mu.Unlock()
	if resident {
		if inst, ok := m.resident[rk]; ok && !inst.Disposed() {
			return inst
		}
	}
	inst := newInstance(capability+"#"+uuid.NewString(), capability, surface, resident)
	m.instances[inst.key] = inst
	if resident {
		m.resident[rk] = inst
	}
	return inst
}

// Lookup returns a tracked instance by key.
func (m *Manager) Lookup(key string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[key]
	return inst, ok
}

// Len returns the number of tracked instances, disposed ones included
// until they are forcibly released.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Dispose disposes inst. It never blocks on in-flight tasks.
func (m *Manager) Dispose(inst *Instance, force bool) {
	if !inst.markDisposed(force) {
		slog.Debug(fmt.Sprintf("%s - %s never acquired resources, nothing to dispose", logPrefix, inst.key))
		return
	}
	if !force {
		slog.Debug(fmt.Sprintf("%s - %s marked disposed", logPrefix, inst.key))
		m.runHooks(inst, false)
		return
	}

	listeners := 0
	if m.lifecycle != nil {
		listeners = m.lifecycle.CancelOwner(inst.key)
	}
	contexts := 0
	if m.contexts != nil {
		contexts = m.contexts.Clear(inst.key)
	}
	if m.relay != nil {
		m.relay.Unsubscribe(inst.key)
	}
	if d := inst.release(); d != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error(fmt.Sprintf("%s - panic disposing %s: %v", logPrefix, inst.key, r))
				}
			}()
			d.Dispose(true)
		}()
	}

	m.mu.Lock()
	delete(m.instances, inst.key)
	rk := residentKey(inst.capability, inst.surface)
	if cur, ok := m.resident[rk]; ok && cur == inst {
		delete(m.resident, rk)
	}
	m.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - %s disposed, dropped %d listeners and %d contexts", logPrefix, inst.key, listeners, contexts))
	m.runHooks(inst, true)
}

// DisposeAll disposes every tracked instance.
func (m *Manager) DisposeAll(force bool) {
	m.mu.Lock()
	all := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	m.mu.Unlock()

	for _, inst := range all {
		m.Dispose(inst, force)
	}
	slog.Info(fmt.Sprintf("%s - Disposed %d instances (force=%t)", logPrefix, len(all), force))
}

// DisposeSurface force-disposes every instance bound to surface and
// returns how many there were.
func (m *Manager) DisposeSurface(surface bridge.SurfaceID) int {
	if surface == "" {
		return 0
	}
	m.mu.Lock()
	var bound []*Instance
	for _, inst := range m.instances {
		if inst.surface == surface {
			bound = append(bound, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range bound {
		m.Dispose(inst, true)
	}
	if len(bound) > 0 {
		slog.Debug(fmt.Sprintf("%s - Disposed %d instances of surface %s", logPrefix, len(bound), surface))
	}
	return len(bound)
}

func (m *Manager) runHooks(inst *Instance, force bool) {
	m.mu.Lock()
	hooks := append([]func(*Instance, bool){}, m.hooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(inst, force)
	}
}
