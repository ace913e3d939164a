package dispatcher

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

const handlerLogPrefix = "dispatcher:handler"

// Handler is a capability's leaf logic. SYNC actions return their response.
// ASYNC and EVENT actions may return nil and answer later through
// req.Callback (ASYNC, once) or req.Events (EVENT, any number of times); a
// non-nil return is delivered through the callback for them.
type Handler interface {
	Invoke(req *bridge.Request) *bridge.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *bridge.Request) *bridge.Response

func (f HandlerFunc) Invoke(req *bridge.Request) *bridge.Response { return f(req) }

// Unsubscriber is implemented by handlers with EVENT actions. It is called
// when the action's callback context is removed.
type Unsubscriber interface {
	Unsubscribe(action string)
}

// Factory creates the handler for a capability instance.
type Factory func(inst *disposal.Instance) Handler

// Middleware wraps a Handler to add cross-cutting behavior. Middleware
// executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next Handler) Handler

// RecoveryMiddleware converts a panicking handler into an ERROR response.
// The dispatcher always installs it outermost.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *bridge.Request) (resp *bridge.Response) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error(fmt.Sprintf("%s - panic in %s.%s: %v\n%s", handlerLogPrefix, req.Capability, req.Action, r, debug.Stack()))
					resp = bridge.ErrorResponse(bridge.StatusError, fmt.Sprintf("%v", r))
				}
			}()
			return next.Invoke(req)
		})
	}
}

// LoggingMiddleware logs every handler invocation at debug level.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *bridge.Request) *bridge.Response {
			start := time.Now()
			slog.Debug(fmt.Sprintf("%s - invoking %s.%s id=%s", handlerLogPrefix, req.Capability, req.Action, req.ID))
			resp := next.Invoke(req)
			if resp == nil {
				slog.Debug(fmt.Sprintf("%s - %s.%s id=%s pending after %s", handlerLogPrefix, req.Capability, req.Action, req.ID, time.Since(start)))
			} else {
				slog.Debug(fmt.Sprintf("%s - %s.%s id=%s returned %s after %s", handlerLogPrefix, req.Capability, req.Action, req.ID, resp.Code, time.Since(start)))
			}
			return resp
		})
	}
}

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
