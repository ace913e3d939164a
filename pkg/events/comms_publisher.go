package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Prefix is the subject prefix (SUBJECT_PREFIX).
	Prefix string
	// GlobalSubject overrides the subject every event is also published to.
	GlobalSubject string
}

// CommsPublisher publishes invocation events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	prefix        string
	globalSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc}
	if opts != nil {
		p.prefix = opts.Prefix
		p.globalSubject = opts.GlobalSubject
	}
	if p.globalSubject == "" {
		p.globalSubject = commsutil.InvocationSubject(p.prefix)
	}
	return p
}

// PublishInvocation publishes an InvocationEvent to both the granular
// (per capability and action) and global invocation subjects.
func (p *CommsPublisher) PublishInvocation(_ context.Context, event *InvocationEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildInvocationSubject(p.prefix, event.Capability, event.Action)
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published invocation event for %s.%s (code %d)", commsPublisherLogPrefix, event.Capability, event.Action, event.Code))
	return nil
}
