package server

import (
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
)

const surfacesLogPrefix = "server:surfaces"

// surfaceMessage is published by the host on surface attach and destroy.
type surfaceMessage struct {
	SurfaceID string `json:"surfaceId"`
}

// resultMessage is published by the host when a surface sub-task finishes.
type resultMessage struct {
	SurfaceID   string          `json:"surfaceId"`
	RequestCode int             `json:"requestCode"`
	ResultCode  int             `json:"resultCode"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// subscribeSurfaces binds the host's surface lifecycle subjects to lc.
func subscribeSurfaces(nc *comms.Conn, lc *lifecycle.Registry, prefix string) ([]*comms.Subscription, error) {
	var subs []*comms.Subscription
	fail := func(subject string, err error) ([]*comms.Subscription, error) {
		for _, s := range subs {
			s.Unsubscribe()
		}
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", surfacesLogPrefix, subject, err)
	}

	attach := commsutil.SurfaceAttachSubject(prefix)
	sub, err := nc.Subscribe(attach, func(msg *comms.Msg) {
		if id, ok := decodeSurface(msg, attach); ok {
			lc.Attach(id)
			slog.Debug(fmt.Sprintf("%s - Surface %s attached", surfacesLogPrefix, id))
		}
	})
	if err != nil {
		return fail(attach, err)
	}
	subs = append(subs, sub)

	destroy := commsutil.SurfaceDestroySubject(prefix)
	sub, err = nc.Subscribe(destroy, func(msg *comms.Msg) {
		if id, ok := decodeSurface(msg, destroy); ok {
			lc.Destroy(id)
		}
	})
	if err != nil {
		return fail(destroy, err)
	}
	subs = append(subs, sub)

	result := commsutil.SurfaceResultSubject(prefix)
	sub, err = nc.Subscribe(result, func(msg *comms.Msg) {
		var in resultMessage
		if err := commsutil.DecodePayload(msg.Data, &in); err != nil || in.SurfaceID == "" {
			slog.Warn(fmt.Sprintf("%s - dropping malformed message on %s: %v", surfacesLogPrefix, result, err))
			return
		}
		var data any
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &data); err != nil {
				slog.Warn(fmt.Sprintf("%s - dropping result %d for %s: %v", surfacesLogPrefix, in.RequestCode, in.SurfaceID, err))
				return
			}
		}
		res := lifecycle.Result{Code: in.ResultCode, Data: data}
		if !lc.Fire(bridge.SurfaceID(in.SurfaceID), in.RequestCode, res) {
			slog.Debug(fmt.Sprintf("%s - no listener for code %d on %s", surfacesLogPrefix, in.RequestCode, in.SurfaceID))
		}
	})
	if err != nil {
		return fail(result, err)
	}
	subs = append(subs, sub)

	slog.Info(fmt.Sprintf("%s - Subscribed to %s, %s, %s", surfacesLogPrefix, attach, destroy, result))
	return subs, nil
}

func decodeSurface(msg *comms.Msg, subject string) (bridge.SurfaceID, bool) {
	var in surfaceMessage
	if err := commsutil.DecodePayload(msg.Data, &in); err != nil || in.SurfaceID == "" {
		slog.Warn(fmt.Sprintf("%s - dropping malformed message on %s: %v", surfacesLogPrefix, subject, err))
		return "", false
	}
	return bridge.SurfaceID(in.SurfaceID), true
}
