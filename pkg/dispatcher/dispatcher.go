// Package dispatcher routes invocations to capability handlers.
//
// Every invocation resolves its capability and action, passes the
// permission gate, has its parameters normalized and then runs its handler
// in the action's mode: SYNC on the caller's goroutine, ASYNC and EVENT on
// the executor the action selects. Handler panics never escape.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/callbackctx"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/disposal"
	"github.com/morezero/capability-bridge/pkg/events"
	"github.com/morezero/capability-bridge/pkg/executor"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
	"github.com/morezero/capability-bridge/pkg/permission"
)

const logPrefix = "dispatcher:dispatch"

// NewDispatcherParams holds the collaborators of a Dispatcher.
type NewDispatcherParams struct {
	Catalog   *catalog.Catalog
	Selector  *executor.Selector
	Gate      *permission.Gate
	Lifecycle *lifecycle.Registry
	Contexts  *callbackctx.Registry
	Disposal  *disposal.Manager
	Publisher events.EventPublisher
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMiddleware adds handler middleware, FIFO.
func WithMiddleware(mw ...Middleware) Option {
	return func(d *Dispatcher) { d.middleware = append(d.middleware, mw...) }
}

type boundHandler struct {
	raw     Handler
	wrapped Handler
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	catalog    *catalog.Catalog
	selector   *executor.Selector
	gate       *permission.Gate
	lifecycle  *lifecycle.Registry
	contexts   *callbackctx.Registry
	disposal   *disposal.Manager
	publisher  events.EventPublisher
	middleware []Middleware

	mu        sync.RWMutex
	factories map[string]Factory
	handlers  map[string]*boundHandler
}

// NewDispatcher creates a Dispatcher. Missing collaborators get in-process
// defaults.
func NewDispatcher(p NewDispatcherParams, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:    p.Catalog,
		selector:   p.Selector,
		gate:       p.Gate,
		lifecycle:  p.Lifecycle,
		contexts:   p.Contexts,
		disposal:   p.Disposal,
		publisher:  p.Publisher,
		middleware: []Middleware{RecoveryMiddleware()},
		factories:  make(map[string]Factory),
		handlers:   make(map[string]*boundHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.selector == nil {
		d.selector = executor.NewSelector(executor.Inline{}, executor.Inline{})
	}
	if d.lifecycle == nil {
		d.lifecycle = lifecycle.New()
	}
	if d.contexts == nil {
		d.contexts = callbackctx.New()
	}
	if d.gate == nil {
		d.gate = permission.NewGate(permission.WithLiveness(d.lifecycle.Alive))
	}
	if d.disposal == nil {
		d.disposal = disposal.NewManager(d.lifecycle, d.contexts, nil)
	}
	if d.publisher == nil {
		d.publisher = &events.NoOpPublisher{}
	}
	d.disposal.OnDispose(func(inst *disposal.Instance, _ bool) {
		d.mu.Lock()
		delete(d.handlers, inst.Key())
		d.mu.Unlock()
	})
	return d
}

// Register binds a handler factory to a catalog capability.
func (d *Dispatcher) Register(name string, f Factory) error {
	if d.catalog == nil {
		return fmt.Errorf("%s - no catalog", logPrefix)
	}
	if _, ok := d.catalog.Lookup(name); !ok {
		return fmt.Errorf("%s - capability %q is not in the catalog", logPrefix, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[name] = f
	slog.Info(fmt.Sprintf("%s - Registered capability %s", logPrefix, name))
	return nil
}

// Registered lists capabilities with a bound handler.
func (d *Dispatcher) Registered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, name := range d.catalog.Names() {
		if _, ok := d.factories[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Catalog returns the dispatcher's catalog.
func (d *Dispatcher) Catalog() *catalog.Catalog { return d.catalog }

// InvokeParams is one invocation as the scripting runtime submits it.
type InvokeParams struct {
	App        string
	Capability string
	Action     string
	Payload    []byte
	Callback   bridge.Callback
	Surface    bridge.SurfaceID
}

// Invoke builds a request from p and dispatches it.
func (d *Dispatcher) Invoke(ctx context.Context, p InvokeParams) *bridge.Response {
	return d.Dispatch(ctx, &bridge.Request{
		App:        p.App,
		Capability: p.Capability,
		Action:     p.Action,
		RawParams:  p.Payload,
		Callback:   p.Callback,
		Surface:    p.Surface,
	})
}

// Dispatch runs req. A non-nil return is the terminal response; nil means
// the outcome arrives through req.Callback.
func (d *Dispatcher) Dispatch(ctx context.Context, req *bridge.Request) *bridge.Response {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	req.Context = ctx
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	slog.Debug(fmt.Sprintf("%s - %s.%s id=%s surface=%q", logPrefix, req.Capability, req.Action, req.ID, req.Surface))

	capDesc, ok := d.catalog.Lookup(req.Capability)
	if !ok {
		return d.finish(req, nil, start, bridge.NoModule)
	}
	d.mu.RLock()
	factory, ok := d.factories[req.Capability]
	d.mu.RUnlock()
	if !ok {
		return d.finish(req, nil, start, bridge.NoModule)
	}
	action, ok := capDesc.Action(req.Action)
	if !ok {
		return d.finish(req, nil, start, bridge.NoAction)
	}
	if req.Surface != "" && !d.lifecycle.Alive(req.Surface) {
		return d.finish(req, action, start, bridge.ErrorResponse(bridge.StatusIllegalRequest, "surface is not attached"))
	}

	// An invalid callback on an EVENT action is the caller tearing its
	// subscription down.
	if action.Mode() == catalog.ModeEvent && !bridge.IsValid(req.Callback) {
		inst := d.disposal.InstanceFor(capDesc.Name(), req.Surface, true)
		removed := d.contexts.Remove(inst.Key(), action.Name())
		slog.Debug(fmt.Sprintf("%s - %s.%s unsubscribed (had subscription: %t)", logPrefix, req.Capability, req.Action, removed))
		return d.finish(req, action, start, bridge.Success)
	}

	verdict, err := d.gate.Check(ctx, req.App, action)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - permission check for %s.%s failed: %v", logPrefix, req.Capability, req.Action, err))
		return d.finish(req, action, start, bridge.ErrorResponse(bridge.StatusError, "permission check failed"))
	}
	if verdict.Outcome == permission.Denied {
		return d.finish(req, action, start, permission.DeniedResponse(verdict))
	}

	params, err := action.ValidateParams(req.RawParams)
	if err != nil {
		return d.finish(req, action, start, bridge.ResponseFromError(err))
	}
	req.Params = params

	inst := d.disposal.InstanceFor(capDesc.Name(), req.Surface, capDesc.Resident())
	req.Instance = inst.Key()
	bound := d.handlerFor(inst, factory)

	if action.Mode() == catalog.ModeSync {
		resp := bound.wrapped.Invoke(req)
		if resp == nil {
			resp = bridge.Success
		}
		if !inst.Resident() {
			d.disposal.Dispose(inst, true)
		}
		return d.finish(req, action, start, resp)
	}

	r := newResponder(d, req, action, inst, start)
	req.Callback = r
	if action.Mode() == catalog.ModeEvent {
		req.Events = d.contexts.Emitter(inst.Key(), action.Name())
	}

	// The subscription is only registered once the request is cleared to
	// run, so a request turned away by the prompt guard leaves the one
	// holding it untouched.
	if verdict.Outcome == permission.Pending {
		err := d.gate.Prompt(ctx, permission.PromptParams{
			App:        req.App,
			Capability: req.Capability,
			Instance:   inst.Key(),
			Action:     action,
			Surface:    req.Surface,
			Missing:    verdict.Missing,
		}, func(v permission.Verdict) {
			if v.Outcome != permission.Granted {
				d.deny(r, permission.DeniedResponse(v))
				return
			}
			d.subscribe(bound, r)
			d.schedule(bound, r)
		})
		if err != nil {
			if !inst.Resident() {
				d.disposal.Dispose(inst, true)
			}
			if errors.Is(err, permission.ErrTooManyRequests) {
				return d.finish(req, action, start, bridge.TooManyRequests)
			}
			return d.finish(req, action, start, bridge.ResponseFromError(err))
		}
		return nil
	}

	d.subscribe(bound, r)
	d.schedule(bound, r)
	return nil
}

// subscribe registers an EVENT request's callback context, replacing the
// instance's previous subscription for the action.
func (d *Dispatcher) subscribe(bound *boundHandler, r *responder) {
	if r.oneShot {
		return
	}
	action := r.req.Action
	d.contexts.Put(r.req, func() {
		if u, ok := bound.raw.(Unsubscriber); ok {
			u.Unsubscribe(action)
		}
	})
}

// schedule runs the handler on the action's executor. Cancellation and
// surface destruction are checked before the body starts.
func (d *Dispatcher) schedule(bound *boundHandler, r *responder) {
	req := r.req
	d.selector.Select(r.action).Execute(func() {
		if err := req.Ctx().Err(); err != nil {
			d.reject(r, bridge.Cancel)
			return
		}
		if req.Surface != "" && !d.lifecycle.Alive(req.Surface) {
			slog.Debug(fmt.Sprintf("%s - surface %s gone before %s.%s id=%s started", logPrefix, req.Surface, req.Capability, req.Action, req.ID))
			if !r.oneShot {
				d.contexts.Remove(req.Instance, req.Action)
			}
			r.abandon("surface destroyed")
			return
		}

		resp := bound.wrapped.Invoke(req)
		if r.oneShot {
			if resp != nil {
				r.Deliver(resp)
			}
			return
		}
		if resp != nil {
			r.Deliver(resp)
			if !resp.OK() {
				d.contexts.Remove(req.Instance, req.Action)
			}
		} else {
			resp = bridge.Success
		}
		d.publish(req, r.action, r.start, resp)
	})
}

// deny answers a request refused at the prompt. Nothing was registered for
// it, so the instance's current subscription stays.
func (d *Dispatcher) deny(r *responder, resp *bridge.Response) {
	r.Deliver(resp)
	if !r.oneShot {
		d.publish(r.req, r.action, r.start, resp)
	}
}

// reject ends an invocation that never reached its handler.
func (d *Dispatcher) reject(r *responder, resp *bridge.Response) {
	if !r.oneShot {
		d.contexts.Remove(r.req.Instance, r.req.Action)
		r.Deliver(resp)
		d.publish(r.req, r.action, r.start, resp)
		return
	}
	r.Deliver(resp)
}

// complete runs once per one-shot invocation, after its response.
func (d *Dispatcher) complete(req *bridge.Request, action *catalog.ActionDescriptor, inst *disposal.Instance, start time.Time, resp *bridge.Response) {
	d.publish(req, action, start, resp)
	if !inst.Resident() {
		d.disposal.Dispose(inst, true)
	}
}

func (d *Dispatcher) handlerFor(inst *disposal.Instance, factory Factory) *boundHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.handlers[inst.Key()]; ok {
		return b
	}
	raw := factory(inst)
	if disposer, ok := raw.(disposal.Disposer); ok {
		inst.SetDisposer(disposer)
	}
	b := &boundHandler{raw: raw, wrapped: chain(raw, d.middleware)}
	d.handlers[inst.Key()] = b
	return b
}

func (d *Dispatcher) finish(req *bridge.Request, action *catalog.ActionDescriptor, start time.Time, resp *bridge.Response) *bridge.Response {
	d.publish(req, action, start, resp)
	return resp
}

func (d *Dispatcher) publish(req *bridge.Request, action *catalog.ActionDescriptor, start time.Time, resp *bridge.Response) {
	ev := &events.InvocationEvent{
		RequestID:  req.ID,
		App:        req.App,
		Capability: req.Capability,
		Action:     req.Action,
		Surface:    string(req.Surface),
		Code:       int(resp.Code),
		Message:    resp.Message,
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if action != nil {
		ev.Mode = string(action.Mode())
	}
	if err := d.publisher.PublishInvocation(context.WithoutCancel(req.Ctx()), ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish invocation event for id=%s: %v", logPrefix, req.ID, err))
	}
}

// Dispose disposes every live capability instance.
func (d *Dispatcher) Dispose(force bool) {
	d.disposal.DisposeAll(force)
}
