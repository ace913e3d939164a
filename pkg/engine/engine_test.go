package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/capabilities"
	"github.com/morezero/capability-bridge/pkg/capabilities/accelerometer"
	"github.com/morezero/capability-bridge/pkg/capabilities/battery"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
)

type batteryFunc func(context.Context) (*battery.Report, error)

func (f batteryFunc) Status(ctx context.Context) (*battery.Report, error) { return f(ctx) }

type fakeSensor struct {
	mu      sync.Mutex
	emit    func(accelerometer.Reading)
	stopped atomic.Int32
}

func (s *fakeSensor) Start(_ bridge.SurfaceID, emit func(accelerometer.Reading)) (func(), error) {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
	return func() { s.stopped.Add(1) }, nil
}

func (s *fakeSensor) push(r accelerometer.Reading) bool {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit == nil {
		return false
	}
	emit(r)
	return true
}

type respSink struct {
	mu  sync.Mutex
	got []*bridge.Response
}

func (s *respSink) callback() bridge.Callback {
	return bridge.CallbackFunc(func(r *bridge.Response) {
		s.mu.Lock()
		s.got = append(s.got, r)
		s.mu.Unlock()
	})
}

func (s *respSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *respSink) last() *bridge.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return nil
	}
	return s.got[len(s.got)-1]
}

func newEngine(t *testing.T, p Params) *Engine {
	t.Helper()
	if p.Catalog == nil {
		cat, err := catalog.Build(catalog.DefaultMetadata(), capabilities.CatalogOptions()...)
		require.NoError(t, err)
		p.Catalog = cat
	}
	e, err := New(p)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNew_RequiresCatalog(t *testing.T) {
	_, err := New(Params{})
	require.Error(t, err)
}

func TestNew_RegistersDefaultCapabilities(t *testing.T) {
	e := newEngine(t, Params{})
	assert.ElementsMatch(t, e.Catalog.Names(), e.Dispatcher.Registered())
}

func TestInvoke_Battery(t *testing.T) {
	e := newEngine(t, Params{Services: capabilities.Services{
		Battery: batteryFunc(func(context.Context) (*battery.Report, error) {
			return &battery.Report{Level: 1, Scale: 2}, nil
		}),
	}})

	sink := &respSink{}
	resp := e.Invoke(context.Background(), dispatcher.InvokeParams{
		Capability: battery.Name,
		Action:     "getStatus",
		Callback:   sink.callback(),
	})
	require.Nil(t, resp)
	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, battery.Status{Level: 0.5}, sink.last().Content)
}

func TestSurfaceDestroy_ClearsSubscriptions(t *testing.T) {
	sensor := &fakeSensor{}
	e := newEngine(t, Params{Services: capabilities.Services{Sensor: sensor}})
	e.Lifecycle.Attach("s1")

	sink := &respSink{}
	resp := e.Invoke(context.Background(), dispatcher.InvokeParams{
		Capability: accelerometer.Name,
		Action:     "subscribe",
		Callback:   sink.callback(),
		Surface:    "s1",
	})
	require.Nil(t, resp)
	require.Eventually(t, func() bool { return sensor.push(accelerometer.Reading{X: 1}) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.len() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.Contexts.Len())

	e.Lifecycle.Destroy("s1")
	assert.Equal(t, 0, e.Contexts.Len())
	assert.Eventually(t, func() bool { return sensor.stopped.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestRelayInboundResult_ReachesHostSubscriber(t *testing.T) {
	e := newEngine(t, Params{})
	e.Lifecycle.Attach("s1")

	sink := &respSink{}
	resp := e.Invoke(context.Background(), dispatcher.InvokeParams{
		Capability: "system.host",
		Action:     "register",
		Callback:   sink.callback(),
		Surface:    "s1",
	})
	require.Nil(t, resp)
	require.Eventually(t, func() bool {
		_, _, ok := e.Relay.Subscriber("s1")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.True(t, e.RelayInboundResult("s1", "hello"))
	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", sink.last().Content)
}

func TestRelayInboundResult_RoutesPerSurface(t *testing.T) {
	e := newEngine(t, Params{})
	e.Lifecycle.Attach("A")
	e.Lifecycle.Attach("B")

	sinks := map[bridge.SurfaceID]*respSink{"A": {}, "B": {}}
	for _, surface := range []bridge.SurfaceID{"A", "B"} {
		resp := e.Invoke(context.Background(), dispatcher.InvokeParams{
			Capability: "system.host",
			Action:     "register",
			Callback:   sinks[surface].callback(),
			Surface:    surface,
		})
		require.Nil(t, resp)
	}
	require.Eventually(t, func() bool {
		_, _, okA := e.Relay.Subscriber("A")
		_, _, okB := e.Relay.Subscriber("B")
		return okA && okB
	}, time.Second, 5*time.Millisecond)

	assert.True(t, e.RelayInboundResult("A", "for-A"))
	assert.True(t, e.RelayInboundResult("B", "for-B"))
	require.Eventually(t, func() bool { return sinks["A"].len() == 1 && sinks["B"].len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "for-A", sinks["A"].last().Content)
	assert.Equal(t, "for-B", sinks["B"].last().Content)

	e.Lifecycle.Destroy("A")
	_, _, ok := e.Relay.Subscriber("B")
	assert.True(t, ok, "destroying A keeps B subscribed")
	assert.True(t, e.RelayInboundResult("B", "again"))
	require.Eventually(t, func() bool { return sinks["B"].len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sinks["A"].len())
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]HealthCheck
		status string
		want   map[string]bool
	}{
		{"no checks", nil, "healthy", map[string]bool{}},
		{
			"all passing",
			map[string]HealthCheck{"comms": func(context.Context) error { return nil }},
			"healthy",
			map[string]bool{"comms": true},
		},
		{
			"one failing",
			map[string]HealthCheck{
				"comms":  func(context.Context) error { return nil },
				"grants": func(context.Context) error { return errors.New("down") },
			},
			"unhealthy",
			map[string]bool{"comms": true, "grants": false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, Params{Checks: tt.checks})
			h := e.Health(context.Background())
			assert.Equal(t, tt.status, h.Status)
			assert.Equal(t, tt.want, h.Checks)
			assert.Equal(t, len(e.Catalog.Names()), h.Stats.Capabilities)
			assert.NotEmpty(t, h.Timestamp)
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	e := newEngine(t, Params{})
	e.Close()
	e.Close()
	assert.Equal(t, 0, e.Disposal.Len())
}
