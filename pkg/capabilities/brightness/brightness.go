// Package brightness reads and sets the screen brightness of a surface.
package brightness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

const logPrefix = "brightness:brightness"

// Name is the catalog name of the capability.
const Name = "system.brightness"

// Display controls a surface's brightness on a 0..255 scale.
type Display interface {
	Brightness(ctx context.Context, surface bridge.SurfaceID) (int, error)
	SetBrightness(ctx context.Context, surface bridge.SurfaceID, value int) error
}

// SetValueParams are the setValue parameters.
type SetValueParams struct {
	Value *int `json:"value" validate:"required,min=0,max=255" jsonschema:"minimum=0,maximum=255"`
}

// Value is the getValue response content.
type Value struct {
	Value int `json:"value"`
}

// CatalogOption binds setValue's input schema to SetValueParams.
func CatalogOption() catalog.Option {
	return catalog.WithParamsType(Name, "setValue", SetValueParams{})
}

type handler struct {
	display Display
}

// Factory returns the handler factory for display.
func Factory(display Display) dispatcher.Factory {
	return func(*disposal.Instance) dispatcher.Handler {
		return &handler{display: display}
	}
}

func (h *handler) Invoke(req *bridge.Request) *bridge.Response {
	if h.display == nil {
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, "no display")
	}
	switch req.Action {
	case "getValue":
		v, err := h.display.Brightness(req.Ctx(), req.Surface)
		if err != nil {
			return failed(err)
		}
		return bridge.NewResponse(Value{Value: v})
	case "setValue":
		var p SetValueParams
		if err := bridge.DecodeParams(req, &p); err != nil {
			return bridge.ResponseFromError(err)
		}
		if err := h.display.SetBrightness(req.Ctx(), req.Surface, *p.Value); err != nil {
			return failed(err)
		}
		return bridge.Success
	default:
		return bridge.NoAction
	}
}

func failed(err error) *bridge.Response {
	var se *bridge.CodedError
	if errors.As(err, &se) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return bridge.ResponseFromError(err)
	}
	slog.Warn(fmt.Sprintf("%s - display call failed: %v", logPrefix, err))
	return bridge.ErrorResponse(bridge.StatusServiceUnavailable, err.Error())
}
