// Package contact lets scripts pick a contact through the host's picker and
// list the address book.
//
// pick hands off to a host surface and waits for its result on a lifecycle
// slot; list is a heavy read allowed once at a time.
package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
	"github.com/morezero/capability-bridge/pkg/guard"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
)

const logPrefix = "contact:contact"

// Name is the catalog name of the capability.
const Name = "system.contact"

// busyMessage is returned while a list is still running.
const busyMessage = "Please wait last request finished."

// Contact is one address book entry.
type Contact struct {
	DisplayName string   `json:"displayName"`
	Numbers     []string `json:"numbers,omitempty"`
}

// Picker starts the host's contact picker on a surface. The host reports the
// outcome as a surface result carrying requestCode.
type Picker interface {
	StartPick(ctx context.Context, surface bridge.SurfaceID, requestCode int) error
}

// Directory reads the address book.
type Directory interface {
	List(ctx context.Context) ([]Contact, error)
}

// Params are the collaborators of the contact handler.
type Params struct {
	Picker    Picker
	Directory Directory
	Lifecycle *lifecycle.Registry
	Guards    *guard.Guards
	// RequestCodeBase is the capability's slot namespace from the catalog.
	RequestCodeBase int
}

type handler struct {
	p    Params
	inst string
}

// Factory returns the handler factory for p.
func Factory(p Params) dispatcher.Factory {
	if p.Guards == nil {
		p.Guards = guard.New(guard.ScopeInstance)
	}
	return func(inst *disposal.Instance) dispatcher.Handler {
		return &handler{p: p, inst: inst.Key()}
	}
}

func (h *handler) Invoke(req *bridge.Request) *bridge.Response {
	switch req.Action {
	case "pick":
		return h.pick(req)
	case "list":
		return h.list(req)
	default:
		return bridge.NoAction
	}
}

func (h *handler) pick(req *bridge.Request) *bridge.Response {
	if h.p.Picker == nil || h.p.Lifecycle == nil {
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, "no contact picker")
	}
	if req.Surface == "" {
		return bridge.ErrorResponse(bridge.StatusIllegalRequest, "pick needs a surface")
	}

	cb := bridge.Once(req.Callback, fmt.Sprintf("%s.pick id=%s", Name, req.ID))
	slot, err := h.p.Lifecycle.Register(req.Surface, h.inst, h.p.RequestCodeBase, func(res lifecycle.Result) {
		if res.Code != lifecycle.ResultOK {
			cb.Deliver(bridge.Cancel)
			return
		}
		c, err := decodeContact(res.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - picker returned %T: %v", logPrefix, res.Data, err))
			cb.Deliver(bridge.ErrorResponse(bridge.StatusError, "unreadable contact"))
			return
		}
		cb.Deliver(bridge.NewResponse(c))
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrSlotsExhausted) {
			return bridge.TooManyRequests
		}
		return bridge.ErrorResponse(bridge.StatusIllegalRequest, err.Error())
	}

	if err := h.p.Picker.StartPick(req.Ctx(), req.Surface, slot.Code); err != nil {
		h.p.Lifecycle.Cancel(slot)
		slog.Warn(fmt.Sprintf("%s - failed to start picker on %s: %v", logPrefix, req.Surface, err))
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, err.Error())
	}
	slog.Debug(fmt.Sprintf("%s - picker started on %s with request code %d", logPrefix, req.Surface, slot.Code))
	return nil
}

func (h *handler) list(req *bridge.Request) *bridge.Response {
	if h.p.Directory == nil {
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, "no address book")
	}
	release, ok := h.p.Guards.TryEnter(Name, h.inst, req.Action)
	if !ok {
		return bridge.ErrorResponse(bridge.StatusTooManyRequests, busyMessage)
	}
	defer release()

	contacts, err := h.p.Directory.List(req.Ctx())
	if err != nil {
		return bridge.ErrorResponse(bridge.StatusIOError, err.Error())
	}
	if contacts == nil {
		contacts = []Contact{}
	}
	return bridge.NewResponse(contacts)
}

func decodeContact(data any) (Contact, error) {
	var c Contact
	switch v := data.(type) {
	case Contact:
		return v, nil
	case *Contact:
		if v == nil {
			return c, errors.New("nil contact")
		}
		return *v, nil
	case json.RawMessage:
		return c, json.Unmarshal(v, &c)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	return c, nil
}
