package disposal

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/callbackctx"
	"github.com/morezero/capability-bridge/pkg/executor"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
	"github.com/morezero/capability-bridge/pkg/relay"
)

type closer struct {
	name string
	log  *[]string
	mu   *sync.Mutex
}

func (c closer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, c.name)
	return nil
}

type disposerFunc func(force bool)

func (f disposerFunc) Dispose(force bool) { f(force) }

func newManager() (*Manager, *lifecycle.Registry, *callbackctx.Registry, *relay.Relay) {
	lc := lifecycle.New()
	cc := callbackctx.New()
	rl := relay.New(cc, executor.Inline{})
	return NewManager(lc, cc, rl), lc, cc, rl
}

func TestInstance_ResidentReuse(t *testing.T) {
	m, _, _, _ := newManager()

	a := m.Instance("system.clipboard", true)
	b := m.Instance("system.clipboard", true)
	assert.Same(t, a, b)

	c := m.Instance("system.battery", false)
	d := m.Instance("system.battery", false)
	assert.NotEqual(t, c.Key(), d.Key())
	assert.Equal(t, 3, m.Len())
}

func TestDispose_GracefulWithoutResourcesIsNoop(t *testing.T) {
	m, _, _, _ := newManager()
	inst := m.Instance("system.clipboard", true)

	m.Dispose(inst, false)
	assert.False(t, inst.Disposed())
	assert.Same(t, inst, m.Instance("system.clipboard", true))
}

func TestDispose_GracefulMarksOnly(t *testing.T) {
	m, _, _, _ := newManager()
	var mu sync.Mutex
	var closed []string
	inst := m.Instance("system.clipboard", true)
	_, err := inst.Acquire("clip", func() (io.Closer, error) { return closer{"clip", &closed, &mu}, nil })
	require.NoError(t, err)

	m.Dispose(inst, false)
	assert.True(t, inst.Disposed())
	assert.Empty(t, closed, "graceful disposal keeps resources")

	_, err = inst.Acquire("other", func() (io.Closer, error) { return closer{"other", &closed, &mu}, nil })
	assert.ErrorIs(t, err, ErrDisposed)

	next := m.Instance("system.clipboard", true)
	assert.NotSame(t, inst, next)

	m.DisposeAll(true)
	assert.Equal(t, []string{"clip"}, closed)
	assert.Equal(t, 0, m.Len())
}

func TestDispose_ForcedTearsDownEverything(t *testing.T) {
	m, lc, cc, rl := newManager()
	var mu sync.Mutex
	var closed []string
	inst := m.Instance("system.host", true)

	_, err := inst.Acquire("a", func() (io.Closer, error) { return closer{"a", &closed, &mu}, nil })
	require.NoError(t, err)
	_, err = inst.Acquire("b", func() (io.Closer, error) { return closer{"b", &closed, &mu}, nil })
	require.NoError(t, err)

	var disposedWith []bool
	inst.SetDisposer(disposerFunc(func(force bool) { disposedWith = append(disposedWith, force) }))

	lc.Attach("p1")
	_, err = lc.Register("p1", inst.Key(), 1000, func(lifecycle.Result) {})
	require.NoError(t, err)
	delivered := 0
	cc.Put(&bridge.Request{Instance: inst.Key(), Action: "register", Surface: "p1", Callback: bridge.CallbackFunc(func(*bridge.Response) { delivered++ })}, nil)
	rl.SetSubscriber("p1", inst.Key(), "register")

	var hooked []string
	m.OnDispose(func(i *Instance, force bool) { hooked = append(hooked, i.Key()) })

	m.Dispose(inst, true)

	assert.True(t, inst.Disposed())
	assert.Equal(t, []string{"b", "a"}, closed, "resources close in reverse order")
	assert.Equal(t, []bool{true}, disposedWith)
	assert.Equal(t, 0, lc.PendingOwner(inst.Key()))
	assert.Equal(t, 0, cc.Count(inst.Key()))
	_, _, ok := rl.Subscriber("p1")
	assert.False(t, ok)
	assert.Equal(t, []string{inst.Key()}, hooked)

	assert.False(t, cc.Notify(inst.Key(), "register", bridge.NewResponse(nil)))
	assert.Equal(t, 0, delivered)
}

func TestDispose_DisposerPanicIsContained(t *testing.T) {
	m, _, _, _ := newManager()
	inst := m.Instance("x", false)
	inst.SetDisposer(disposerFunc(func(bool) { panic("boom") }))

	assert.NotPanics(t, func() { m.Dispose(inst, true) })
	assert.True(t, inst.Disposed())
}

func TestAcquire_OpenError(t *testing.T) {
	m, _, _, _ := newManager()
	inst := m.Instance("x", true)
	boom := errors.New("boom")

	_, err := inst.Acquire("r", func() (io.Closer, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := inst.Resource("r")
	assert.False(t, ok)
}

func TestInstanceFor_ResidentPerSurface(t *testing.T) {
	m, _, _, _ := newManager()

	a := m.InstanceFor("system.host", "p1", true)
	b := m.InstanceFor("system.host", "p2", true)
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Same(t, a, m.InstanceFor("system.host", "p1", true))
	assert.Equal(t, bridge.SurfaceID("p2"), b.Surface())
	assert.NotSame(t, a, m.Instance("system.host", true), "process-wide instance is separate")
}

func TestDisposeSurface(t *testing.T) {
	m, _, cc, _ := newManager()
	a := m.InstanceFor("system.host", "p1", true)
	b := m.InstanceFor("system.host", "p2", true)
	cc.Put(&bridge.Request{Instance: a.Key(), Action: "register", Surface: "p1", Callback: bridge.CallbackFunc(func(*bridge.Response) {})}, nil)

	assert.Equal(t, 1, m.DisposeSurface("p1"))
	assert.True(t, a.Disposed())
	assert.False(t, b.Disposed())
	assert.False(t, cc.Has(a.Key(), "register"))
	assert.NotSame(t, a, m.InstanceFor("system.host", "p1", true))
	assert.Equal(t, 0, m.DisposeSurface(""))
}
