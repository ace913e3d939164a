package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Build(catalog.DefaultMetadata())
	require.NoError(t, err)
	return c
}

func action(t *testing.T, c *catalog.Catalog, capability, name string) *catalog.ActionDescriptor {
	t.Helper()
	a, ok := c.Action(capability, name)
	require.True(t, ok, "%s/%s", capability, name)
	return a
}

// heldPrompter records requests and lets the test answer them.
type heldPrompter struct {
	mu      sync.Mutex
	asked   []PromptRequest
	answers []func(Answer)
	err     error
}

func (p *heldPrompter) Prompt(_ context.Context, req PromptRequest, answer func(Answer)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.asked = append(p.asked, req)
	p.answers = append(p.answers, answer)
	return nil
}

func (p *heldPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.asked)
}

func (p *heldPrompter) answer(i int, a Answer) {
	p.mu.Lock()
	fn := p.answers[i]
	p.mu.Unlock()
	fn(a)
}

type verdicts struct {
	ch chan Verdict
}

func newVerdicts() *verdicts { return &verdicts{ch: make(chan Verdict, 8)} }

func (v *verdicts) resolve(x Verdict) { v.ch <- x }

func (v *verdicts) next(t *testing.T) Verdict {
	t.Helper()
	select {
	case x := <-v.ch:
		return x
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for verdict")
	}
	return Verdict{}
}

func (v *verdicts) none(t *testing.T) {
	t.Helper()
	select {
	case x := <-v.ch:
		t.Fatalf("unexpected verdict %+v", x)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCheck(t *testing.T) {
	c := testCatalog(t)
	store := NewMemoryStore()
	g := NewGate(WithProvider(NewStoreProvider(store)))
	ctx := context.Background()
	list := action(t, c, "system.contact", "list")

	v, err := g.Check(ctx, "app", action(t, c, "system.battery", "getStatus"))
	require.NoError(t, err)
	assert.Equal(t, Granted, v.Outcome, "no permissions declared")

	v, err = g.Check(ctx, "app", list)
	require.NoError(t, err)
	assert.Equal(t, Pending, v.Outcome)
	assert.Equal(t, []string{"READ_CONTACTS"}, v.Missing)

	tests := []struct {
		mode      Mode
		outcome   Outcome
		forbidden bool
	}{
		{ModeAccept, Granted, false},
		{ModeReject, Denied, false},
		{ModeForbidden, Denied, true},
		{ModePrompt, Pending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			require.NoError(t, store.PutGrant(ctx, "app", "READ_CONTACTS", string(tt.mode)))
			v, err := g.Check(ctx, "app", list)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.forbidden, v.Forbidden)
		})
	}
}

type failingStore struct{}

func (failingStore) GetGrant(context.Context, string, string) (string, error) {
	return "", errors.New("db down")
}
func (failingStore) PutGrant(context.Context, string, string, string) error { return nil }

func TestCheck_ProviderError(t *testing.T) {
	c := testCatalog(t)
	g := NewGate(WithProvider(NewStoreProvider(failingStore{})))
	_, err := g.Check(context.Background(), "app", action(t, c, "system.contact", "list"))
	assert.Error(t, err)
}

func TestPrompt_GrantRemembered(t *testing.T) {
	c := testCatalog(t)
	store := NewMemoryStore()
	p := &heldPrompter{}
	g := NewGate(WithProvider(NewStoreProvider(store)), WithPrompter(p))
	v := newVerdicts()
	list := action(t, c, "system.contact", "list")

	err := g.Prompt(context.Background(), PromptParams{
		App: "app", Capability: "system.contact", Instance: "i1", Action: list, Surface: "p1", Missing: []string{"READ_CONTACTS"},
	}, v.resolve)
	require.NoError(t, err)
	require.Equal(t, 1, p.count())
	assert.Equal(t, 1, g.Outstanding("p1"))

	p.answer(0, Answer{Decision: Grant, Remember: true})
	p.answer(0, Answer{Decision: Deny})
	assert.Equal(t, Granted, v.next(t).Outcome)
	v.none(t)
	assert.Equal(t, 0, g.Outstanding("p1"))

	mode, _ := store.GetGrant(context.Background(), "app", "READ_CONTACTS")
	assert.Equal(t, string(ModeAccept), mode)
}

func TestPrompt_Decisions(t *testing.T) {
	tests := []struct {
		name      string
		answer    Answer
		outcome   Outcome
		forbidden bool
		stored    string
	}{
		{"grant once", Answer{Decision: Grant}, Granted, false, ""},
		{"deny once", Answer{Decision: Deny}, Denied, false, ""},
		{"deny remembered", Answer{Decision: Deny, Remember: true}, Denied, false, string(ModeReject)},
		{"forbid", Answer{Decision: Forbid}, Denied, true, string(ModeForbidden)},
		{"cancel", Answer{Decision: Cancel, Remember: true}, Denied, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCatalog(t)
			store := NewMemoryStore()
			p := &heldPrompter{}
			g := NewGate(WithProvider(NewStoreProvider(store)), WithPrompter(p))
			v := newVerdicts()

			require.NoError(t, g.Prompt(context.Background(), PromptParams{
				App: "app", Capability: "system.contact", Instance: "i1",
				Action: action(t, c, "system.contact", "list"), Surface: "p1", Missing: []string{"READ_CONTACTS"},
			}, v.resolve))
			p.answer(0, tt.answer)

			got := v.next(t)
			assert.Equal(t, tt.outcome, got.Outcome)
			assert.Equal(t, tt.forbidden, got.Forbidden)
			stored, _ := store.GetGrant(context.Background(), "app", "READ_CONTACTS")
			assert.Equal(t, tt.stored, stored)
		})
	}
}

func TestPrompt_DisruptiveSecondRequestTooMany(t *testing.T) {
	c := testCatalog(t)
	p := &heldPrompter{}
	g := NewGate(WithPrompter(p))
	first := newVerdicts()
	params := PromptParams{
		App: "app", Capability: "system.contact", Instance: "i1",
		Action: action(t, c, "system.contact", "list"), Surface: "p1", Missing: []string{"READ_CONTACTS"},
	}

	require.NoError(t, g.Prompt(context.Background(), params, first.resolve))
	err := g.Prompt(context.Background(), params, newVerdicts().resolve)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	assert.Equal(t, 1, p.count(), "no stacked prompt")

	p.answer(0, Answer{Decision: Grant})
	assert.Equal(t, Granted, first.next(t).Outcome, "first request unaffected")

	require.NoError(t, g.Prompt(context.Background(), params, newVerdicts().resolve), "guard released after decision")
}

func TestPrompt_NonDisruptiveQueues(t *testing.T) {
	meta := &catalog.Metadata{Capabilities: []catalog.CapabilityMeta{{
		Name: "system.camera", Version: "1.0.0",
		Actions: []catalog.ActionMeta{{Name: "take", Mode: "async", Permissions: []string{"CAMERA"}}},
	}}}
	c, err := catalog.Build(meta)
	require.NoError(t, err)
	p := &heldPrompter{}
	g := NewGate(WithPrompter(p))
	first, second := newVerdicts(), newVerdicts()
	params := PromptParams{App: "app", Capability: "system.camera", Instance: "i1", Action: action(t, c, "system.camera", "take"), Surface: "p1"}

	later := params
	later.Surface = "p2"

	require.NoError(t, g.Prompt(context.Background(), params, first.resolve))
	require.NoError(t, g.Prompt(context.Background(), later, second.resolve))

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.count(), "second prompt waits for the first")
	p.mu.Lock()
	assert.Equal(t, bridge.SurfaceID("p1"), p.asked[0].Surface, "prompts are shown in call order")
	p.mu.Unlock()

	p.answer(0, Answer{Decision: Deny})
	assert.Equal(t, Denied, first.next(t).Outcome)
	require.Eventually(t, func() bool { return p.count() == 2 }, time.Second, 5*time.Millisecond)
	p.answer(1, Answer{Decision: Grant})
	assert.Equal(t, Granted, second.next(t).Outcome)
}

func TestPrompt_CancelledContextDenies(t *testing.T) {
	c := testCatalog(t)
	p := &heldPrompter{}
	g := NewGate(WithPrompter(p))
	v := newVerdicts()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, g.Prompt(ctx, PromptParams{
		App: "app", Capability: "system.contact", Instance: "i1",
		Action: action(t, c, "system.contact", "list"), Surface: "p1",
	}, v.resolve))
	cancel()
	assert.Equal(t, Denied, v.next(t).Outcome)

	p.answer(0, Answer{Decision: Grant})
	v.none(t)
}

func TestPrompt_SurfaceGoneOrDestroyed(t *testing.T) {
	c := testCatalog(t)
	list := action(t, c, "system.contact", "list")

	t.Run("dead before showing", func(t *testing.T) {
		p := &heldPrompter{}
		g := NewGate(WithPrompter(p), WithLiveness(func(bridge.SurfaceID) bool { return false }))
		v := newVerdicts()
		require.NoError(t, g.Prompt(context.Background(), PromptParams{Capability: "system.contact", Instance: "i", Action: list, Surface: "p1"}, v.resolve))
		assert.Equal(t, Denied, v.next(t).Outcome)
		assert.Equal(t, 0, p.count())
	})

	t.Run("destroyed while open", func(t *testing.T) {
		p := &heldPrompter{}
		g := NewGate(WithPrompter(p))
		v := newVerdicts()
		require.NoError(t, g.Prompt(context.Background(), PromptParams{Capability: "system.contact", Instance: "i", Action: list, Surface: "p1"}, v.resolve))
		g.SurfaceDestroyed("p1")
		assert.Equal(t, Denied, v.next(t).Outcome)
		p.answer(0, Answer{Decision: Grant})
		v.none(t)
	})
}

func TestPrompt_NoPrompterOrPrompterError(t *testing.T) {
	c := testCatalog(t)
	list := action(t, c, "system.contact", "list")
	for name, g := range map[string]*Gate{
		"no prompter":    NewGate(),
		"prompter error": NewGate(WithPrompter(&heldPrompter{err: errors.New("ui gone")})),
	} {
		t.Run(name, func(t *testing.T) {
			v := newVerdicts()
			require.NoError(t, g.Prompt(context.Background(), PromptParams{Capability: "system.contact", Instance: "i", Action: list, Surface: "p1"}, v.resolve))
			assert.Equal(t, Denied, v.next(t).Outcome)
		})
	}
}

func TestDeniedResponse(t *testing.T) {
	assert.Same(t, bridge.UserDenied, DeniedResponse(Verdict{Outcome: Denied}))
	resp := DeniedResponse(Verdict{Outcome: Denied, Forbidden: true})
	assert.Equal(t, bridge.StatusUserDenied, resp.Code)
	assert.Equal(t, "permission forbidden", resp.Message)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePrompt, m)
	_, err = ParseMode("maybe")
	assert.Error(t, err)
}
