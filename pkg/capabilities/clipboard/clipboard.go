// Package clipboard reads and writes the host's plain-text clipboard.
//
// The platform clipboard handle is opened on first use and held by the
// capability instance until forced disposal.
package clipboard

import (
	"context"
	"fmt"
	"io"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

const logPrefix = "clipboard:clipboard"

// Name is the catalog name of the capability.
const Name = "system.clipboard"

const resourceName = "clipboard"

// Service is an open clipboard handle.
type Service interface {
	io.Closer
	SetText(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
}

// Opener opens the platform clipboard.
type Opener func() (Service, error)

// SetParams are the set parameters.
type SetParams struct {
	Text string `json:"text"`
}

// Content is the get response content.
type Content struct {
	Text string `json:"text"`
}

type handler struct {
	open Opener
	inst *disposal.Instance
}

// Factory returns the handler factory for open.
func Factory(open Opener) dispatcher.Factory {
	return func(inst *disposal.Instance) dispatcher.Handler {
		return &handler{open: open, inst: inst}
	}
}

func (h *handler) service() (Service, error) {
	if h.open == nil {
		return nil, bridge.NewCodedError(bridge.StatusServiceUnavailable, "no clipboard")
	}
	c, err := h.inst.Acquire(resourceName, func() (io.Closer, error) {
		return h.open()
	})
	if err != nil {
		return nil, &bridge.CodedError{Code: bridge.StatusServiceUnavailable, Message: "clipboard unavailable", Err: err}
	}
	svc, ok := c.(Service)
	if !ok {
		return nil, fmt.Errorf("%s - resource %q is a %T", logPrefix, resourceName, c)
	}
	return svc, nil
}

func (h *handler) Invoke(req *bridge.Request) *bridge.Response {
	switch req.Action {
	case "set":
		var p SetParams
		if err := bridge.DecodeParams(req, &p); err != nil {
			return bridge.ResponseFromError(err)
		}
		svc, err := h.service()
		if err != nil {
			return bridge.ResponseFromError(err)
		}
		if err := svc.SetText(req.Ctx(), p.Text); err != nil {
			return bridge.ErrorResponse(bridge.StatusIOError, err.Error())
		}
		return bridge.Success
	case "get":
		svc, err := h.service()
		if err != nil {
			return bridge.ResponseFromError(err)
		}
		text, err := svc.Text(req.Ctx())
		if err != nil {
			return bridge.ErrorResponse(bridge.StatusIOError, err.Error())
		}
		return bridge.NewResponse(Content{Text: text})
	default:
		return bridge.NoAction
	}
}
