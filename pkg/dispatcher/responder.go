package dispatcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

const responderLogPrefix = "dispatcher:responder"

// responder stands between a handler and the caller's callback. Deliveries
// after the instance is disposed or the surface destroyed are dropped. An
// ASYNC responder passes exactly one delivery and then completes the
// invocation.
type responder struct {
	d      *Dispatcher
	req    *bridge.Request
	action *catalog.ActionDescriptor
	inst   *disposal.Instance
	cb     bridge.Callback
	start  time.Time

	oneShot bool
	once    sync.Once
}

func newResponder(d *Dispatcher, req *bridge.Request, action *catalog.ActionDescriptor, inst *disposal.Instance, start time.Time) *responder {
	cb := req.Callback
	if cb == nil {
		cb = bridge.CallbackFunc(nil)
	}
	return &responder{
		d:       d,
		req:     req,
		action:  action,
		inst:    inst,
		cb:      cb,
		start:   start,
		oneShot: action.Mode() != catalog.ModeEvent,
	}
}

func (r *responder) Valid() bool {
	return r.cb.Valid() && !r.inst.Disposed()
}

func (r *responder) Deliver(resp *bridge.Response) {
	if r.oneShot {
		first := false
		r.once.Do(func() { first = true })
		if !first {
			slog.Error(fmt.Sprintf("%s - duplicate response for %s.%s id=%s dropped: %s", responderLogPrefix, r.req.Capability, r.req.Action, r.req.ID, resp))
			return
		}
		defer r.d.complete(r.req, r.action, r.inst, r.start, resp)
	}
	if r.inst.Disposed() {
		slog.Debug(fmt.Sprintf("%s - %s disposed, dropping response for id=%s", responderLogPrefix, r.inst.Key(), r.req.ID))
		return
	}
	if r.req.Surface != "" && !r.d.lifecycle.Alive(r.req.Surface) {
		slog.Debug(fmt.Sprintf("%s - surface %s gone, dropping response for id=%s", responderLogPrefix, r.req.Surface, r.req.ID))
		return
	}
	r.cb.Deliver(resp)
}

// abandon ends a one-shot invocation without answering, for requests whose
// surface went away before the handler started.
func (r *responder) abandon(reason string) {
	if !r.oneShot {
		r.d.publish(r.req, r.action, r.start, bridge.ErrorResponse(bridge.StatusCancel, reason))
		return
	}
	r.once.Do(func() {
		r.d.complete(r.req, r.action, r.inst, r.start, bridge.ErrorResponse(bridge.StatusCancel, reason))
	})
}
