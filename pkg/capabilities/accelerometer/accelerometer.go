// Package accelerometer streams accelerometer readings to an event
// subscription. Subscribing again replaces the subscription; sending the
// subscribe action with an invalid callback ends it.
package accelerometer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

const logPrefix = "accelerometer:accelerometer"

// Name is the catalog name of the capability.
const Name = "system.accelerometer"

// Reading is one sample in m/s².
type Reading struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sensor starts streaming readings for a surface until stop is called.
type Sensor interface {
	Start(surface bridge.SurfaceID, onReading func(Reading)) (stop func(), err error)
}

type handler struct {
	sensor Sensor
	inst   string

	mu   sync.Mutex
	stop func()
}

// Factory returns the handler factory for sensor.
func Factory(sensor Sensor) dispatcher.Factory {
	return func(inst *disposal.Instance) dispatcher.Handler {
		return &handler{sensor: sensor, inst: inst.Key()}
	}
}

func (h *handler) Invoke(req *bridge.Request) *bridge.Response {
	if req.Action != "subscribe" {
		return bridge.NoAction
	}
	if h.sensor == nil || req.Events == nil {
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, "no accelerometer")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()

	events := req.Events
	stop, err := h.sensor.Start(req.Surface, func(r Reading) {
		if !events.Emit(bridge.NewResponse(r)) {
			slog.Debug(fmt.Sprintf("%s - reading for %s dropped, no live subscription", logPrefix, h.inst))
		}
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to start sensor for %s: %v", logPrefix, h.inst, err))
		return bridge.ErrorResponse(bridge.StatusServiceUnavailable, err.Error())
	}
	h.stop = stop
	return nil
}

// Unsubscribe stops the sensor when the subscription is removed.
func (h *handler) Unsubscribe(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

// Dispose stops the sensor.
func (h *handler) Dispose(bool) {
	h.Unsubscribe("")
}

func (h *handler) stopLocked() {
	if h.stop != nil {
		h.stop()
		h.stop = nil
		slog.Debug(fmt.Sprintf("%s - sensor stopped for %s", logPrefix, h.inst))
	}
}
