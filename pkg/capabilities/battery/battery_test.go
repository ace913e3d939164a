package battery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/capability-bridge/pkg/bridge"
)

type serviceFunc func(ctx context.Context) (*Report, error)

func (f serviceFunc) Status(ctx context.Context) (*Report, error) { return f(ctx) }

func invoke(svc Service) *bridge.Response {
	h := Factory(svc)(nil)
	return h.Invoke(&bridge.Request{Capability: Name, Action: "getStatus"})
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		name    string
		svc     Service
		code    bridge.Status
		content any
	}{
		{"no service", nil, bridge.StatusError, nil},
		{"service reports nothing", serviceFunc(func(context.Context) (*Report, error) { return nil, nil }), bridge.StatusError, nil},
		{"zero scale", serviceFunc(func(context.Context) (*Report, error) { return &Report{Level: 1}, nil }), bridge.StatusError, nil},
		{"service error", serviceFunc(func(context.Context) (*Report, error) { return nil, errors.New("offline") }), bridge.StatusError, nil},
		{
			"charging at 40 of 100",
			serviceFunc(func(context.Context) (*Report, error) { return &Report{Charging: true, Level: 40, Scale: 100}, nil }),
			bridge.StatusSuccess,
			Status{Charging: true, Level: 0.4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := invoke(tt.svc)
			require.NotNil(t, resp)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.content, resp.Content)
		})
	}
}

func TestUnknownAction(t *testing.T) {
	h := Factory(nil)(nil)
	assert.Same(t, bridge.NoAction, h.Invoke(&bridge.Request{Capability: Name, Action: "drain"}))
}
