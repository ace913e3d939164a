package events

import "context"

// EventPublisher publishes invocation events.
type EventPublisher interface {
	PublishInvocation(ctx context.Context, event *InvocationEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing.
type NoOpPublisher struct{}

// PublishInvocation is a no-op.
func (p *NoOpPublisher) PublishInvocation(_ context.Context, _ *InvocationEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *InvocationEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *InvocationEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishInvocation calls the callback.
func (p *CallbackPublisher) PublishInvocation(ctx context.Context, event *InvocationEvent) error {
	return p.callback(ctx, event)
}
