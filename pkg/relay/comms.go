package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/commsutil"
)

const commsLogPrefix = "relay:comms"

// InboundMessage is what the host publishes on the relay inbound subject.
// Code 0 is a result for the surface's subscriber; any other code answers
// the host-bound message that carried it.
type InboundMessage struct {
	SurfaceID string          `json:"surfaceId"`
	Code      int             `json:"code"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is what the bridge publishes to a surface's host subject.
type OutboundMessage struct {
	SurfaceID string `json:"surfaceId"`
	Code      int    `json:"code"`
	Content   any    `json:"content,omitempty"`
}

// Serve subscribes r to the relay inbound subject under prefix.
func Serve(nc *comms.Conn, r *Relay, prefix string) (*comms.Subscription, error) {
	subject := commsutil.RelayInboundSubject(prefix)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var in InboundMessage
		if err := commsutil.DecodePayload(msg.Data, &in); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping inbound message: %v", commsLogPrefix, err))
			return
		}
		if in.SurfaceID == "" {
			slog.Warn(fmt.Sprintf("%s - dropping inbound message without surfaceId", commsLogPrefix))
			return
		}
		var payload any
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &payload); err != nil {
				slog.Warn(fmt.Sprintf("%s - dropping inbound message for %s: %v", commsLogPrefix, in.SurfaceID, err))
				return
			}
		}
		surface := bridge.SurfaceID(in.SurfaceID)
		if in.Code == 0 {
			r.RelayInboundResult(surface, payload)
			return
		}
		r.RelayReply(surface, in.Code, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", commsLogPrefix, subject))
	return sub, nil
}

// CommsSink publishes host-bound messages on per-surface host subjects.
type CommsSink struct {
	nc     *comms.Conn
	prefix string
}

// NewCommsSink creates a CommsSink.
func NewCommsSink(nc *comms.Conn, prefix string) *CommsSink {
	return &CommsSink{nc: nc, prefix: prefix}
}

// SendToHost implements HostSink.
func (s *CommsSink) SendToHost(surface bridge.SurfaceID, code int, content any) error {
	data, err := commsutil.EncodePayload(OutboundMessage{SurfaceID: string(surface), Code: code, Content: content})
	if err != nil {
		return err
	}
	subject := commsutil.HostSubject(s.prefix, string(surface))
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", commsLogPrefix, subject, err)
	}
	return nil
}
