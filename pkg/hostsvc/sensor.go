package hostsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/capabilities/accelerometer"
	"github.com/morezero/capability-bridge/pkg/commsutil"
)

const sensorLogPrefix = "hostsvc:sensor"

// Accelerometer implements accelerometer.Sensor. Readings arrive on the
// service's stream subject for the surface.
type Accelerometer struct{ c *Client }

// Accelerometer returns the accelerometer service.
func (c *Client) Accelerometer() *Accelerometer { return &Accelerometer{c: c} }

type sensorRequest struct {
	SurfaceID bridge.SurfaceID `json:"surfaceId"`
}

// Start subscribes to the surface's reading stream and asks the host to
// start sampling.
func (a *Accelerometer) Start(surface bridge.SurfaceID, onReading func(accelerometer.Reading)) (func(), error) {
	subject := commsutil.ServiceStreamSubject(a.c.prefix, "accelerometer", string(surface))
	sub, err := a.c.nc.Subscribe(subject, func(msg *comms.Msg) {
		var r accelerometer.Reading
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			slog.Warn(fmt.Sprintf("%s - bad reading on %s: %v", sensorLogPrefix, msg.Subject, err))
			return
		}
		onReading(r)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", sensorLogPrefix, subject, err)
	}
	if _, err := a.c.call(context.Background(), "accelerometer", "start", sensorRequest{SurfaceID: surface}, nil); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	stop := func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", sensorLogPrefix, subject, err))
		}
		if _, err := a.c.call(context.Background(), "accelerometer", "stop", sensorRequest{SurfaceID: surface}, nil); err != nil {
			slog.Warn(fmt.Sprintf("%s - stop sampling on %s: %v", sensorLogPrefix, surface, err))
		}
	}
	return stop, nil
}
