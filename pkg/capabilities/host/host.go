// Package host connects scripts to the embedding host application.
//
// register makes the calling instance the surface's active event subscriber
// for messages the host pushes through the relay; send delivers a raw
// message to the host and resolves with the host's reply.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
	"github.com/morezero/capability-bridge/pkg/relay"
)

const logPrefix = "host:host"

// Name is the catalog name of the capability.
const Name = "system.host"

type handler struct {
	relay *relay.Relay
	inst  string
}

// Factory returns the handler factory bound to r.
func Factory(r *relay.Relay) dispatcher.Factory {
	return func(inst *disposal.Instance) dispatcher.Handler {
		return &handler{relay: r, inst: inst.Key()}
	}
}

func (h *handler) Invoke(req *bridge.Request) *bridge.Response {
	if h.relay == nil {
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, "no host relay")
	}
	switch req.Action {
	case "register":
		h.relay.SetSubscriber(req.Surface, h.inst, req.Action)
		return nil
	case "send":
		var content any
		if len(req.RawParams) > 0 {
			if json.Valid(req.RawParams) {
				content = json.RawMessage(req.RawParams)
			} else {
				content = string(req.RawParams)
			}
		}
		code, err := h.relay.SendToHost(req.Surface, content, req.Callback)
		if err != nil {
			if errors.Is(err, relay.ErrNoHost) {
				return bridge.ErrorResponse(bridge.StatusServiceUnavailable, "no host attached")
			}
			slog.Warn(fmt.Sprintf("%s - send from %s failed: %v", logPrefix, req.Surface, err))
			return bridge.ErrorResponse(bridge.StatusIOError, err.Error())
		}
		slog.Debug(fmt.Sprintf("%s - sent message %d from %s", logPrefix, code, req.Surface))
		return nil
	default:
		return bridge.NoAction
	}
}

// Unsubscribe drops the instance as active subscriber when its register
// subscription is removed.
func (h *handler) Unsubscribe(action string) {
	if h.relay != nil && action == "register" {
		h.relay.Unsubscribe(h.inst)
	}
}
