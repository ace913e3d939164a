package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/capabilities/battery"
	"github.com/morezero/capability-bridge/pkg/capabilities/contact"
	"github.com/morezero/capability-bridge/pkg/commsutil"
	"github.com/morezero/capability-bridge/pkg/dispatcher"
	"github.com/morezero/capability-bridge/pkg/hostsvc"
	"github.com/morezero/capability-bridge/pkg/lifecycle"
)

const e2eTestPrefix = "server:e2e_test"

// hostService answers one service method the way an embedding host would.
func hostService(t *testing.T, nc *comms.Conn, service, method string, reply func(data []byte) hostsvc.Reply) {
	t.Helper()
	_, err := nc.Subscribe(commsutil.ServiceSubject("test", service, method), func(msg *comms.Msg) {
		if err := commsutil.Respond(msg, reply(msg.Data)); err != nil {
			t.Errorf("%s - respond %s.%s: %v", e2eTestPrefix, service, method, err)
		}
	})
	if err != nil {
		t.Fatalf("%s - subscribe %s.%s: %v", e2eTestPrefix, service, method, err)
	}
	nc.Flush()
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

type collector struct {
	mu  sync.Mutex
	got []*bridge.Response
}

func (c *collector) callback() bridge.Callback {
	return bridge.CallbackFunc(func(r *bridge.Response) {
		c.mu.Lock()
		c.got = append(c.got, r)
		c.mu.Unlock()
	})
}

func (c *collector) wait(t *testing.T, n int) []*bridge.Response {
	t.Helper()
	waitFor(t, "responses", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.got) >= n
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bridge.Response(nil), c.got...)
}

func TestE2E_BatteryThroughHost(t *testing.T) {
	s, nc := newCOMMSServer(t)
	hostService(t, nc, "battery", "status", func([]byte) hostsvc.Reply {
		return hostsvc.Reply{Data: raw(battery.Report{Charging: true, Level: 40, Scale: 100})}
	})

	c := &collector{}
	if resp := s.Engine().Invoke(context.Background(), dispatcher.InvokeParams{
		Capability: battery.Name,
		Action:     "getStatus",
		Callback:   c.callback(),
	}); resp != nil {
		t.Fatalf("%s - getStatus answered synchronously: %s", e2eTestPrefix, resp)
	}
	got := c.wait(t, 1)
	if got[0].Content != (battery.Status{Charging: true, Level: 0.4}) {
		t.Errorf("%s - content = %#v", e2eTestPrefix, got[0].Content)
	}
}

func TestE2E_ContactPickResolvedBySurfaceResult(t *testing.T) {
	s, nc := newCOMMSServer(t)
	publish(t, nc, commsutil.SurfaceAttachSubject("test"), surfaceMessage{SurfaceID: "s1"})
	waitFor(t, "surface attach", func() bool { return s.Engine().Lifecycle.Alive("s1") })

	// The host opens its picker, then reports the chosen contact as a
	// surface result under the request code it was given.
	hostService(t, nc, "contact", "pick", func(data []byte) hostsvc.Reply {
		var req struct {
			SurfaceID   string `json:"surfaceId"`
			RequestCode int    `json:"requestCode"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return hostsvc.Reply{Error: err.Error()}
		}
		result, _ := commsutil.EncodePayload(resultMessage{
			SurfaceID:   req.SurfaceID,
			RequestCode: req.RequestCode,
			ResultCode:  lifecycle.ResultOK,
			Data:        raw(contact.Contact{DisplayName: "Ada", Numbers: []string{"+100"}}),
		})
		if err := nc.Publish(commsutil.SurfaceResultSubject("test"), result); err != nil {
			return hostsvc.Reply{Error: err.Error()}
		}
		return hostsvc.Reply{}
	})

	c := &collector{}
	if resp := s.Engine().Invoke(context.Background(), dispatcher.InvokeParams{
		Capability: contact.Name,
		Action:     "pick",
		Surface:    "s1",
		Callback:   c.callback(),
	}); resp != nil {
		t.Fatalf("%s - pick answered synchronously: %s", e2eTestPrefix, resp)
	}
	got := c.wait(t, 1)
	if !got[0].OK() {
		t.Fatalf("%s - pick = %s", e2eTestPrefix, got[0])
	}
	if ct, ok := got[0].Content.(contact.Contact); !ok || ct.DisplayName != "Ada" {
		t.Errorf("%s - content = %#v", e2eTestPrefix, got[0].Content)
	}
	if n := s.Engine().Lifecycle.Pending("s1"); n != 0 {
		t.Errorf("%s - pending listeners = %d, want 0", e2eTestPrefix, n)
	}
}

func TestE2E_ContactListPromptsOnceThenRemembers(t *testing.T) {
	s, nc := newCOMMSServer(t)
	publish(t, nc, commsutil.SurfaceAttachSubject("test"), surfaceMessage{SurfaceID: "s1"})
	waitFor(t, "surface attach", func() bool { return s.Engine().Lifecycle.Alive("s1") })

	var prompts atomic.Int32
	hostService(t, nc, "permission", "prompt", func([]byte) hostsvc.Reply {
		prompts.Add(1)
		return hostsvc.Reply{Data: raw(map[string]any{"decision": "grant", "remember": true})}
	})
	hostService(t, nc, "contact", "list", func([]byte) hostsvc.Reply {
		return hostsvc.Reply{Data: raw([]contact.Contact{{DisplayName: "Ada"}, {DisplayName: "Grace"}})}
	})

	for i := 0; i < 2; i++ {
		c := &collector{}
		s.Engine().Invoke(context.Background(), dispatcher.InvokeParams{
			App:        "demo",
			Capability: contact.Name,
			Action:     "list",
			Surface:    "s1",
			Callback:   c.callback(),
		})
		got := c.wait(t, 1)
		list, ok := got[0].Content.([]contact.Contact)
		if !got[0].OK() || !ok || len(list) != 2 {
			t.Fatalf("%s - list #%d = %s (%#v)", e2eTestPrefix, i+1, got[0], got[0].Content)
		}
	}
	if n := prompts.Load(); n != 1 {
		t.Errorf("%s - prompts = %d, want 1", e2eTestPrefix, n)
	}
}

func TestE2E_HostDeniesPermission(t *testing.T) {
	s, nc := newCOMMSServer(t)
	publish(t, nc, commsutil.SurfaceAttachSubject("test"), surfaceMessage{SurfaceID: "s1"})
	waitFor(t, "surface attach", func() bool { return s.Engine().Lifecycle.Alive("s1") })

	var listed atomic.Int32
	hostService(t, nc, "permission", "prompt", func([]byte) hostsvc.Reply {
		return hostsvc.Reply{Data: raw(map[string]any{"decision": "deny"})}
	})
	hostService(t, nc, "contact", "list", func([]byte) hostsvc.Reply {
		listed.Add(1)
		return hostsvc.Reply{Data: raw([]contact.Contact{})}
	})

	c := &collector{}
	s.Engine().Invoke(context.Background(), dispatcher.InvokeParams{
		App:        "demo",
		Capability: contact.Name,
		Action:     "list",
		Surface:    "s1",
		Callback:   c.callback(),
	})
	got := c.wait(t, 1)
	if got[0].Code != bridge.StatusUserDenied {
		t.Errorf("%s - code = %s, want USER_DENIED", e2eTestPrefix, got[0].Code)
	}
	time.Sleep(50 * time.Millisecond)
	if listed.Load() != 0 {
		t.Errorf("%s - handler ran after denial", e2eTestPrefix)
	}
}
