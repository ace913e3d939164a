// Package relay routes messages between the embedding host application and
// the event subscriber registered on each surface.
//
// Inbound results carry only a surface ID; the relay knows which capability
// instance is the surface's active subscriber and notifies it through the
// callback context registry. Host-bound messages get a per-surface code so
// the host's reply can be matched to the sender's callback.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/callbackctx"
	"github.com/morezero/capability-bridge/pkg/executor"
)

const logPrefix = "relay:relay"

// DefaultPendingLimit bounds the inbound messages cached per surface while
// no subscriber is registered.
const DefaultPendingLimit = 64

// ErrNoHost is returned by SendToHost when no sink is bound to the surface.
var ErrNoHost = errors.New("no host bound to surface")

// HostSink delivers a message to the host owning a surface.
type HostSink interface {
	SendToHost(surface bridge.SurfaceID, code int, content any) error
}

type subscriber struct {
	instance string
	action   string
}

type entity struct {
	subscriber *subscriber
	sink       HostSink
	counter    int
	pending    map[int]bridge.Callback
	cached     []any
}

// Relay is safe for concurrent use.
type Relay struct {
	contexts    *callbackctx.Registry
	exec        executor.Executor
	limit       int
	defaultSink HostSink

	mu       sync.Mutex
	surfaces map[bridge.SurfaceID]*entity
}

// Option configures a Relay.
type Option func(*Relay)

// WithPendingLimit bounds the per-surface inbound cache.
func WithPendingLimit(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithDefaultSink sets the sink used for surfaces with none bound.
func WithDefaultSink(s HostSink) Option {
	return func(r *Relay) { r.defaultSink = s }
}

// New creates a Relay. Deliveries run on exec.
func New(contexts *callbackctx.Registry, exec executor.Executor, opts ...Option) *Relay {
	r := &Relay{
		contexts: contexts,
		exec:     exec,
		limit:    DefaultPendingLimit,
		surfaces: make(map[bridge.SurfaceID]*entity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) entityLocked(surface bridge.SurfaceID) *entity {
	e, ok := r.surfaces[surface]
	if !ok {
		e = &entity{pending: make(map[int]bridge.Callback)}
		r.surfaces[surface] = e
	}
	return e
}

// SetSubscriber makes (instance, action) the surface's active subscriber and
// flushes any inbound messages cached while there was none.
func (r *Relay) SetSubscriber(surface bridge.SurfaceID, instance, action string) {
	r.mu.Lock()
	e := r.entityLocked(surface)
	e.subscriber = &subscriber{instance: instance, action: action}
	cached := e.cached
	e.cached = nil
	r.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - Subscriber for %s is %s/%s", logPrefix, surface, instance, action))
	for _, payload := range cached {
		r.notify(surface, instance, action, payload)
	}
}

// Subscriber returns the surface's active subscriber.
func (r *Relay) Subscriber(surface bridge.SurfaceID) (instance, action string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.surfaces[surface]
	if !found || e.subscriber == nil {
		return "", "", false
	}
	return e.subscriber.instance, e.subscriber.action, true
}

// RelayInboundResult routes payload to the surface's active subscriber. With
// no subscriber the payload is cached, oldest dropped past the limit, and
// false is returned.
func (r *Relay) RelayInboundResult(surface bridge.SurfaceID, payload any) bool {
	r.mu.Lock()
	e := r.entityLocked(surface)
	if e.subscriber == nil {
		e.cached = append(e.cached, payload)
		if len(e.cached) > r.limit {
			e.cached = e.cached[len(e.cached)-r.limit:]
			slog.Warn(fmt.Sprintf("%s - Inbound cache for %s full, dropped oldest message", logPrefix, surface))
		}
		r.mu.Unlock()
		return false
	}
	sub := *e.subscriber
	r.mu.Unlock()

	r.notify(surface, sub.instance, sub.action, payload)
	return true
}

func (r *Relay) notify(surface bridge.SurfaceID, instance, action string, payload any) {
	r.exec.Execute(func() {
		if !r.contexts.Notify(instance, action, bridge.NewResponse(payload)) {
			slog.Debug(fmt.Sprintf("%s - Subscriber %s/%s on %s has no live callback", logPrefix, instance, action, surface))
		}
	})
}

// SetHostSink binds the sink that receives host-bound messages from a
// surface.
func (r *Relay) SetHostSink(surface bridge.SurfaceID, sink HostSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entityLocked(surface).sink = sink
}

// SendToHost sends content to the surface's host. A valid cb receives the
// host's reply (see RelayReply) exactly once.
func (r *Relay) SendToHost(surface bridge.SurfaceID, content any, cb bridge.Callback) (int, error) {
	r.mu.Lock()
	e := r.entityLocked(surface)
	sink := e.sink
	if sink == nil {
		sink = r.defaultSink
	}
	if sink == nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("%s - send from %s: %w", logPrefix, surface, ErrNoHost)
	}
	e.counter++
	code := e.counter
	if bridge.IsValid(cb) {
		e.pending[code] = cb
	}
	r.mu.Unlock()

	if err := sink.SendToHost(surface, code, content); err != nil {
		r.mu.Lock()
		if cur, ok := r.surfaces[surface]; ok {
			delete(cur.pending, code)
		}
		r.mu.Unlock()
		return 0, fmt.Errorf("%s - send from %s: %w", logPrefix, surface, err)
	}
	return code, nil
}

// RelayReply resolves the callback waiting on code. It reports whether one
// was waiting.
func (r *Relay) RelayReply(surface bridge.SurfaceID, code int, payload any) bool {
	r.mu.Lock()
	var cb bridge.Callback
	if e, ok := r.surfaces[surface]; ok {
		cb = e.pending[code]
		delete(e.pending, code)
	}
	r.mu.Unlock()

	if cb == nil {
		slog.Debug(fmt.Sprintf("%s - No sender waiting on %s code %d", logPrefix, surface, code))
		return false
	}
	r.exec.Execute(func() { cb.Deliver(bridge.NewResponse(payload)) })
	return true
}

// Unsubscribe clears instance as the active subscriber on every surface.
func (r *Relay) Unsubscribe(instance string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.surfaces {
		if e.subscriber != nil && e.subscriber.instance == instance {
			e.subscriber = nil
			n++
		}
	}
	return n
}

// Teardown clears everything held for a surface. Waiting senders are
// dropped without a reply.
func (r *Relay) Teardown(surface bridge.SurfaceID) {
	r.mu.Lock()
	e, ok := r.surfaces[surface]
	delete(r.surfaces, surface)
	r.mu.Unlock()
	if ok && (len(e.pending) > 0 || len(e.cached) > 0) {
		slog.Info(fmt.Sprintf("%s - Teardown %s dropped %d waiting senders and %d cached messages", logPrefix, surface, len(e.pending), len(e.cached)))
	}
}

// ClearAll tears down every surface.
func (r *Relay) ClearAll() {
	r.mu.Lock()
	r.surfaces = make(map[bridge.SurfaceID]*entity)
	r.mu.Unlock()
}
