package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/callbackctx"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/executor"
)

type recorder struct {
	mu    sync.Mutex
	resps []*bridge.Response
}

func (r *recorder) cb() bridge.CallbackFunc {
	return func(resp *bridge.Response) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.resps = append(r.resps, resp)
	}
}

func (r *recorder) contents() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.resps))
	for _, resp := range r.resps {
		out = append(out, resp.Content)
	}
	return out
}

type sentMessage struct {
	surface bridge.SurfaceID
	code    int
	content any
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSink) SendToHost(surface bridge.SurfaceID, code int, content any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{surface: surface, code: code, content: content})
	return nil
}

func subscribe(t *testing.T, cc *callbackctx.Registry, surface bridge.SurfaceID, instance string) *recorder {
	t.Helper()
	rec := &recorder{}
	cc.Put(&bridge.Request{Instance: instance, Action: "register", Surface: surface, Callback: rec.cb()}, nil)
	return rec
}

func TestRelayInboundResult_RoutesToSubscriber(t *testing.T) {
	cc := callbackctx.New()
	r := New(cc, executor.Inline{})
	rec := subscribe(t, cc, "p1", "system.host#1")
	r.SetSubscriber("p1", "system.host#1", "register")

	assert.True(t, r.RelayInboundResult("p1", "hello"))
	assert.Equal(t, []any{"hello"}, rec.contents())
}

func TestRelayInboundResult_CachesUntilSubscriber(t *testing.T) {
	cc := callbackctx.New()
	r := New(cc, executor.Inline{}, WithPendingLimit(2))

	assert.False(t, r.RelayInboundResult("p1", "a"))
	assert.False(t, r.RelayInboundResult("p1", "b"))
	assert.False(t, r.RelayInboundResult("p1", "c"))

	rec := subscribe(t, cc, "p1", "system.host#1")
	r.SetSubscriber("p1", "system.host#1", "register")
	assert.Equal(t, []any{"b", "c"}, rec.contents(), "oldest message is dropped past the limit")
}

func TestRelay_SubscriberReplacedAndUnsubscribed(t *testing.T) {
	cc := callbackctx.New()
	r := New(cc, executor.Inline{})
	first := subscribe(t, cc, "p1", "a")
	second := subscribe(t, cc, "p1", "b")

	r.SetSubscriber("p1", "a", "register")
	r.SetSubscriber("p1", "b", "register")
	r.RelayInboundResult("p1", 1)
	assert.Empty(t, first.contents())
	assert.Equal(t, []any{1}, second.contents())

	assert.Equal(t, 1, r.Unsubscribe("b"))
	_, _, ok := r.Subscriber("p1")
	assert.False(t, ok)
	assert.False(t, r.RelayInboundResult("p1", 2))
}

func TestSendToHost_ReplyResolvesOnce(t *testing.T) {
	sink := &fakeSink{}
	r := New(callbackctx.New(), executor.Inline{}, WithDefaultSink(sink))
	rec := &recorder{}

	code1, err := r.SendToHost("p1", "ping", rec.cb())
	require.NoError(t, err)
	code2, err := r.SendToHost("p1", "ping2", rec.cb())
	require.NoError(t, err)
	assert.NotEqual(t, code1, code2)
	require.Len(t, sink.sent, 2)
	assert.Equal(t, code1, sink.sent[0].code)

	assert.True(t, r.RelayReply("p1", code1, "pong"))
	assert.False(t, r.RelayReply("p1", code1, "pong again"))
	assert.Equal(t, []any{"pong"}, rec.contents())
}

func TestSendToHost_PerSurfaceSink(t *testing.T) {
	fallback := &fakeSink{}
	bound := &fakeSink{}
	r := New(callbackctx.New(), executor.Inline{}, WithDefaultSink(fallback))
	r.SetHostSink("p2", bound)

	_, err := r.SendToHost("p2", "x", nil)
	require.NoError(t, err)
	assert.Len(t, bound.sent, 1)
	assert.Empty(t, fallback.sent)
}

func TestSendToHost_Errors(t *testing.T) {
	r := New(callbackctx.New(), executor.Inline{})
	_, err := r.SendToHost("p1", "x", nil)
	assert.ErrorIs(t, err, ErrNoHost)

	boom := errors.New("boom")
	r = New(callbackctx.New(), executor.Inline{}, WithDefaultSink(&fakeSink{err: boom}))
	code, err := r.SendToHost("p1", "x", (&recorder{}).cb())
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.RelayReply("p1", code+1, nil))
}

func TestTeardown_DropsPendingAndCache(t *testing.T) {
	cc := callbackctx.New()
	sink := &fakeSink{}
	r := New(cc, executor.Inline{}, WithDefaultSink(sink))
	rec := &recorder{}

	code, err := r.SendToHost("p1", "x", rec.cb())
	require.NoError(t, err)
	r.RelayInboundResult("p1", "cached")
	r.Teardown("p1")

	assert.False(t, r.RelayReply("p1", code, "late"))
	sub := subscribe(t, cc, "p1", "i")
	r.SetSubscriber("p1", "i", "register")
	assert.Empty(t, sub.contents())
	assert.Empty(t, rec.contents())
}

func startServer(t *testing.T) *commsserver.Server {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	require.True(t, ns.ReadyForConnections(10*time.Second))
	return ns
}

func TestServe_RoutesInboundAndReplies(t *testing.T) {
	ns := startServer(t)
	nc, err := comms.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	cc := callbackctx.New()
	r := New(cc, executor.Inline{}, WithDefaultSink(NewCommsSink(nc, "test")))
	sub, err := Serve(nc, r, "test")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	hostMsgs := make(chan *comms.Msg, 4)
	hostSub, err := nc.ChanSubscribe(commsutil.HostSubject("test", "p1"), hostMsgs)
	require.NoError(t, err)
	defer hostSub.Unsubscribe()
	require.NoError(t, nc.Flush())

	inbound := make(chan *bridge.Response, 4)
	cc.Put(&bridge.Request{Instance: "i", Action: "register", Surface: "p1", Callback: bridge.CallbackFunc(func(resp *bridge.Response) { inbound <- resp })}, nil)
	r.SetSubscriber("p1", "i", "register")

	data, err := commsutil.EncodePayload(InboundMessage{SurfaceID: "p1", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(commsutil.RelayInboundSubject("test"), data))

	select {
	case resp := <-inbound:
		assert.Equal(t, map[string]any{"n": float64(1)}, resp.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound result")
	}

	replies := make(chan *bridge.Response, 1)
	_, err = r.SendToHost("p1", map[string]string{"q": "ping"}, bridge.CallbackFunc(func(resp *bridge.Response) { replies <- resp }))
	require.NoError(t, err)

	var out OutboundMessage
	select {
	case msg := <-hostMsgs:
		require.NoError(t, commsutil.DecodePayload(msg.Data, &out))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for host message")
	}
	assert.Equal(t, "p1", out.SurfaceID)

	data, err = commsutil.EncodePayload(InboundMessage{SurfaceID: "p1", Code: out.Code, Payload: json.RawMessage(`"pong"`)})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(commsutil.RelayInboundSubject("test"), data))

	select {
	case resp := <-replies:
		assert.Equal(t, "pong", resp.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
