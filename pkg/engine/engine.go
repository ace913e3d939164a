// Package engine assembles the bridge core: catalog, executors, permission
// gate, lifecycle and callback-context registries, host relay, disposal and
// dispatcher, with the reference capabilities registered.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/callbackctx"
	"github.com/morezero/capability-bridge/pkg/capabilities"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/executor"
	"github.com/morezero/capability-bridge/pkg/guard"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
	"github.com/morezero/capability-bridge/pkg/permission"
	"github.com/morezero/capability-bridge/pkg/relay"
)

const logPrefix = "engine:engine"

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Params configures an Engine. Only Catalog is required.
type Params struct {
	Catalog    *catalog.Catalog
	GuardScope guard.Scope
	Provider   permission.Provider
	Prompter   permission.Prompter
	Publisher  events.EventPublisher
	Services   capabilities.Services
	// HostSink carries host-bound relay messages for surfaces without
	// their own sink.
	HostSink          relay.HostSink
	RelayPendingLimit int
	Middleware        []dispatcher.Middleware
	Checks            map[string]HealthCheck
	// Surface and Background override the executors; the engine owns and
	// closes executors it creates itself.
	Surface    executor.Executor
	Background executor.Executor
}

// Engine is the assembled bridge.
type Engine struct {
	Catalog    *catalog.Catalog
	Lifecycle  *lifecycle.Registry
	Contexts   *callbackctx.Registry
	Relay      *relay.Relay
	Guards     *guard.Guards
	Gate       *permission.Gate
	Disposal   *disposal.Manager
	Dispatcher *dispatcher.Dispatcher

	checks map[string]HealthCheck
	owned  []interface{ Close() }
}

// New assembles an Engine.
func New(p Params) (*Engine, error) {
	if p.Catalog == nil {
		return nil, fmt.Errorf("%s - catalog is required", logPrefix)
	}
	e := &Engine{Catalog: p.Catalog, checks: p.Checks}

	surface, background := p.Surface, p.Background
	if surface == nil {
		s := executor.NewSurface()
		e.owned = append(e.owned, s)
		surface = s
	}
	if background == nil {
		b := executor.NewPool()
		e.owned = append(e.owned, b)
		background = b
	}
	selector := executor.NewSelector(surface, background)

	e.Lifecycle = lifecycle.New()
	e.Contexts = callbackctx.New()
	relayOpts := []relay.Option{relay.WithPendingLimit(p.RelayPendingLimit)}
	if p.HostSink != nil {
		relayOpts = append(relayOpts, relay.WithDefaultSink(p.HostSink))
	}
	e.Relay = relay.New(e.Contexts, background, relayOpts...)
	e.Guards = guard.New(p.GuardScope)

	gateOpts := []permission.Option{
		permission.WithGuards(e.Guards),
		permission.WithExecutor(surface),
		permission.WithLiveness(e.Lifecycle.Alive),
	}
	if p.Provider != nil {
		gateOpts = append(gateOpts, permission.WithProvider(p.Provider))
	}
	if p.Prompter != nil {
		gateOpts = append(gateOpts, permission.WithPrompter(p.Prompter))
	}
	e.Gate = permission.NewGate(gateOpts...)

	e.Disposal = disposal.NewManager(e.Lifecycle, e.Contexts, e.Relay)
	e.Disposal.OnDispose(func(inst *disposal.Instance, force bool) {
		if force {
			e.Guards.Forget(inst.Key())
		}
	})

	e.Lifecycle.OnDestroy(func(s bridge.SurfaceID) {
		e.Relay.Teardown(s)
		n := e.Contexts.ClearSurface(s)
		e.Gate.SurfaceDestroyed(s)
		disposed := e.Disposal.DisposeSurface(s)
		slog.Info(fmt.Sprintf("%s - Surface %s destroyed, cleared %d subscriptions and %d instances", logPrefix, s, n, disposed))
	})

	e.Dispatcher = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Catalog:   p.Catalog,
		Selector:  selector,
		Gate:      e.Gate,
		Lifecycle: e.Lifecycle,
		Contexts:  e.Contexts,
		Disposal:  e.Disposal,
		Publisher: p.Publisher,
	}, dispatcher.WithMiddleware(p.Middleware...))

	if err := capabilities.Register(capabilities.RegisterParams{
		Dispatcher: e.Dispatcher,
		Lifecycle:  e.Lifecycle,
		Guards:     e.Guards,
		Relay:      e.Relay,
		Services:   p.Services,
	}); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Bridge assembled with %d capabilities (guard scope %s)", logPrefix, len(e.Dispatcher.Registered()), e.Guards.Scope()))
	return e, nil
}

// Invoke is the scripting runtime's entry point.
func (e *Engine) Invoke(ctx context.Context, p dispatcher.InvokeParams) *bridge.Response {
	return e.Dispatcher.Invoke(ctx, p)
}

// RelayInboundResult is the embedding host's entry point for results bound
// for a surface's event subscriber.
func (e *Engine) RelayInboundResult(surface bridge.SurfaceID, payload any) bool {
	return e.Relay.RelayInboundResult(surface, payload)
}

// Describe returns the serializable catalog.
func (e *Engine) Describe() []catalog.CapabilityView {
	return e.Catalog.Describe()
}

// Dispose disposes every live capability instance.
func (e *Engine) Dispose(force bool) {
	e.Dispatcher.Dispose(force)
}

// Close force-disposes everything, drops relay state and stops the
// executors the engine created.
func (e *Engine) Close() {
	if e.Disposal != nil {
		e.Disposal.DisposeAll(true)
	}
	if e.Relay != nil {
		e.Relay.ClearAll()
	}
	if e.Contexts != nil {
		e.Contexts.ClearAll()
	}
	for _, c := range e.owned {
		c.Close()
	}
	e.owned = nil
}

// HealthOutput is the health report.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Stats     HealthStats     `json:"stats"`
	Timestamp string          `json:"timestamp"`
}

// HealthStats counts live bridge state.
type HealthStats struct {
	Capabilities  int `json:"capabilities"`
	Surfaces      int `json:"surfaces"`
	Instances     int `json:"instances"`
	Subscriptions int `json:"subscriptions"`
}

// Health runs the configured checks and reports live counts.
func (e *Engine) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status: "healthy",
		Checks: make(map[string]bool, len(e.checks)),
		Stats: HealthStats{
			Capabilities:  len(e.Dispatcher.Registered()),
			Surfaces:      len(e.Lifecycle.Surfaces()),
			Instances:     e.Disposal.Len(),
			Subscriptions: e.Contexts.Len(),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	names := make([]string, 0, len(e.checks))
	for name := range e.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		err := e.checks[name](ctx)
		out.Checks[name] = err == nil
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - health check %s failed: %v", logPrefix, name, err))
			out.Status = "unhealthy"
		}
	}
	return out
}
