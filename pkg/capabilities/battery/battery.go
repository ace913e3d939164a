// Package battery reports the host's battery level and charging state.
package battery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

const logPrefix = "battery:battery"

// Name is the catalog name of the capability.
const Name = "system.battery"

// Report is what the platform battery service returns: Level out of Scale.
type Report struct {
	Charging bool `json:"charging"`
	Level    int  `json:"level"`
	Scale    int  `json:"scale"`
}

// Service reads the battery state. A nil report means the platform has
// nothing to say.
type Service interface {
	Status(ctx context.Context) (*Report, error)
}

// Status is the getStatus response content.
type Status struct {
	Charging bool    `json:"charging"`
	Level    float64 `json:"level"`
}

type handler struct {
	svc Service
}

// Factory returns the handler factory for svc. A nil svc answers ERROR.
func Factory(svc Service) dispatcher.Factory {
	return func(*disposal.Instance) dispatcher.Handler {
		return &handler{svc: svc}
	}
}

func (h *handler) Invoke(req *bridge.Request) *bridge.Response {
	if req.Action != "getStatus" {
		return bridge.NoAction
	}
	if h.svc == nil {
		return bridge.Error
	}
	report, err := h.svc.Status(req.Ctx())
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - battery status failed: %v", logPrefix, err))
		return bridge.ErrorResponse(bridge.StatusError, err.Error())
	}
	if report == nil || report.Scale <= 0 {
		return bridge.Error
	}
	return bridge.NewResponse(Status{
		Charging: report.Charging,
		Level:    float64(report.Level) / float64(report.Scale),
	})
}
