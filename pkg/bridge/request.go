package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
)

const logPrefix = "bridge:request"

// SurfaceID identifies a host surface (window/activity). Components keep the
// ID, never the surface itself, and check liveness before touching it.
type SurfaceID string

// Callback receives responses for a request. Valid reports whether the
// caller still wants them; an invalid callback on an event subscription is
// the caller's way of tearing the subscription down.
type Callback interface {
	Deliver(resp *Response)
	Valid() bool
}

// CallbackFunc adapts a function to Callback. A nil CallbackFunc is invalid.
type CallbackFunc func(resp *Response)

func (f CallbackFunc) Deliver(resp *Response) {
	if f != nil {
		f(resp)
	}
}

func (f CallbackFunc) Valid() bool {
	return f != nil
}

type invalidCallback struct{}

func (invalidCallback) Deliver(*Response) {}
func (invalidCallback) Valid() bool       { return false }

// InvalidCallback is the teardown marker for event subscriptions.
var InvalidCallback Callback = invalidCallback{}

// IsValid reports whether cb is non-nil and valid.
func IsValid(cb Callback) bool {
	return cb != nil && cb.Valid()
}

// Emitter pushes responses to the subscription an event-mode request
// registered. Emit returns false when no live subscription remains.
type Emitter interface {
	Emit(resp *Response) bool
}

// Request is one invocation. The dispatcher owns it until it hands it to
// the handler; the callback belongs to whichever component resolves it.
type Request struct {
	ID         string
	App        string
	Capability string
	Action     string

	// RawParams is the payload as received. Params is filled for actions
	// with structured normalization.
	RawParams []byte
	Params    map[string]any

	Surface  SurfaceID
	Callback Callback
	Context  context.Context

	// Instance is the key of the capability instance serving the request.
	Instance string
	// Events is set for event-mode actions.
	Events Emitter
}

// Ctx returns the request's parent context, never nil.
func (r *Request) Ctx() context.Context {
	if r.Context == nil {
		return context.Background()
	}
	return r.Context
}

// Respond delivers resp through the request callback, if any.
func (r *Request) Respond(resp *Response) {
	if r.Callback != nil {
		r.Callback.Deliver(resp)
	}
}

var validate = validator.New()

// DecodeParams decodes the raw payload into dst and validates its `validate`
// struct tags. Every failure wraps ErrIllegalArgument.
func DecodeParams(req *Request, dst any) error {
	raw := req.RawParams
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s - %w: %v", logPrefix, ErrIllegalArgument, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%s - %w: %v", logPrefix, ErrIllegalArgument, err)
	}
	return nil
}

type onceCallback struct {
	cb   Callback
	once sync.Once
	what string
}

// Once wraps cb so only the first delivery passes. Later deliveries are
// dropped and logged; a second terminal response is a handler bug.
func Once(cb Callback, what string) Callback {
	if cb == nil {
		return nil
	}
	return &onceCallback{cb: cb, what: what}
}

func (o *onceCallback) Deliver(resp *Response) {
	delivered := false
	o.once.Do(func() {
		delivered = true
		o.cb.Deliver(resp)
	})
	if !delivered {
		slog.Error(fmt.Sprintf("%s - duplicate response for %s dropped: %s", logPrefix, o.what, resp))
	}
}

func (o *onceCallback) Valid() bool {
	return o.cb.Valid()
}
