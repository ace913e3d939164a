package clipboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/disposal"
)

type board struct {
	text   string
	closed bool
	err    error
}

func (b *board) Close() error { b.closed = true; return nil }

func (b *board) SetText(_ context.Context, text string) error {
	if b.err != nil {
		return b.err
	}
	b.text = text
	return nil
}

func (b *board) Text(context.Context) (string, error) { return b.text, b.err }

func setup(open Opener) (*disposal.Manager, *disposal.Instance, *handler) {
	m := disposal.NewManager(nil, nil, nil)
	inst := m.Instance(Name, true)
	return m, inst, Factory(open)(inst).(*handler)
}

func TestSetGet_OpensClipboardOnce(t *testing.T) {
	b := &board{}
	opened := 0
	_, _, h := setup(func() (Service, error) { opened++; return b, nil })

	resp := h.Invoke(&bridge.Request{Capability: Name, Action: "set", RawParams: []byte(`{"text":"hello"}`)})
	require.True(t, resp.OK(), resp.String())
	resp = h.Invoke(&bridge.Request{Capability: Name, Action: "get"})
	require.True(t, resp.OK())

	assert.Equal(t, Content{Text: "hello"}, resp.Content)
	assert.Equal(t, 1, opened)
}

func TestForcedDisposalReleasesClipboard(t *testing.T) {
	b := &board{}
	m, inst, h := setup(func() (Service, error) { return b, nil })

	require.True(t, h.Invoke(&bridge.Request{Capability: Name, Action: "get"}).OK())
	m.Dispose(inst, false)
	assert.False(t, b.closed, "graceful disposal keeps the handle")

	m.Dispose(inst, true)
	assert.True(t, b.closed)

	resp := h.Invoke(&bridge.Request{Capability: Name, Action: "get"})
	assert.Equal(t, bridge.StatusServiceUnavailable, resp.Code, "a disposed instance cannot reopen")
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name   string
		open   Opener
		action string
		raw    string
		code   bridge.Status
	}{
		{"no opener", nil, "get", "", bridge.StatusServiceUnavailable},
		{"open fails", func() (Service, error) { return nil, errors.New("denied") }, "get", "", bridge.StatusServiceUnavailable},
		{"read fails", func() (Service, error) { return &board{err: errors.New("io")}, nil }, "get", "", bridge.StatusIOError},
		{"write fails", func() (Service, error) { return &board{err: errors.New("io")}, nil }, "set", `{"text":"x"}`, bridge.StatusIOError},
		{"bad params", func() (Service, error) { return &board{}, nil }, "set", `{"text":1}`, bridge.StatusIllegalArgument},
		{"unknown action", func() (Service, error) { return &board{}, nil }, "clear", "", bridge.StatusNoAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, h := setup(tt.open)
			resp := h.Invoke(&bridge.Request{Capability: Name, Action: tt.action, RawParams: []byte(tt.raw)})
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}
