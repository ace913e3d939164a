// Package permission gates actions on the permissions they declare.
//
// A check is synchronous and answers Granted, Denied or Pending. Pending
// actions go through Prompt, which shows the prompter on the surface
// executor and resolves exactly once: with the user's decision, or with a
// denial when the request is cancelled or its surface goes away.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capability-bridge/pkg/bridge"
	"github.com/morezero/capability-bridge/pkg/catalog"
	"github.com/morezero/capability-bridge/pkg/executor"
	"github.com/morezero/capability-bridge/pkg/guard"
)

const logPrefix = "permission:gate"

var (
	// ErrTooManyRequests is returned by Prompt when a prompt for the same
	// disruptive action is already outstanding.
	ErrTooManyRequests = errors.New("a prompt for this action is already outstanding")
	// ErrNoPrompter is reported when a decision is needed and nobody can ask.
	ErrNoPrompter = errors.New("no prompter configured")
)

// Decision is the user's answer to a prompt.
type Decision int

const (
	Grant Decision = iota
	Deny
	// Forbid denies and asks never to be prompted again.
	Forbid
	// Cancel dismisses the prompt without deciding.
	Cancel
)

// Answer is what a prompter reports. Remember persists Grant and Deny.
type Answer struct {
	Decision Decision
	Remember bool
}

// PromptRequest describes what the user is asked to allow.
type PromptRequest struct {
	App         string
	Capability  string
	Action      string
	Surface     bridge.SurfaceID
	Permissions []string
}

// Prompter shows the permission UI. It may return before the user answers
// and must call answer at most once; returning an error means answer will
// never be called.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest, answer func(Answer)) error
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req PromptRequest, answer func(Answer)) error

func (f PrompterFunc) Prompt(ctx context.Context, req PromptRequest, answer func(Answer)) error {
	return f(ctx, req, answer)
}

// PromptParams identifies the request being prompted for.
type PromptParams struct {
	App        string
	Capability string
	Instance   string
	Action     *catalog.ActionDescriptor
	Surface    bridge.SurfaceID
	Missing    []string
}

// Gate is safe for concurrent use.
type Gate struct {
	provider Provider
	prompter Prompter
	guards   *guard.Guards
	exec     executor.Executor
	alive    func(bridge.SurfaceID) bool

	mu      sync.Mutex
	pending map[bridge.SurfaceID]map[*pendingPrompt]struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithProvider sets the permission provider.
func WithProvider(p Provider) Option {
	return func(g *Gate) { g.provider = p }
}

// WithPrompter sets the prompter.
func WithPrompter(p Prompter) Option {
	return func(g *Gate) { g.prompter = p }
}

// WithGuards sets the single-outstanding guards.
func WithGuards(gs *guard.Guards) Option {
	return func(g *Gate) { g.guards = gs }
}

// WithExecutor sets the executor prompts are shown on.
func WithExecutor(e executor.Executor) Option {
	return func(g *Gate) { g.exec = e }
}

// WithLiveness sets the surface liveness check.
func WithLiveness(alive func(bridge.SurfaceID) bool) Option {
	return func(g *Gate) { g.alive = alive }
}

// NewGate creates a Gate. Without a provider everything is granted.
func NewGate(opts ...Option) *Gate {
	g := &Gate{pending: make(map[bridge.SurfaceID]map[*pendingPrompt]struct{})}
	for _, opt := range opts {
		opt(g)
	}
	if g.provider == nil {
		g.provider = AllowAll
	}
	if g.guards == nil {
		g.guards = guard.New(guard.ScopeInstance)
	}
	if g.exec == nil {
		g.exec = executor.Inline{}
	}
	if g.alive == nil {
		g.alive = func(bridge.SurfaceID) bool { return true }
	}
	return g
}

// Guards returns the gate's guards, shared with handlers that guard their
// own heavy operations.
func (g *Gate) Guards() *guard.Guards { return g.guards }

// Check returns the verdict for app invoking action. Actions that declare
// no permissions are always granted.
func (g *Gate) Check(ctx context.Context, app string, action *catalog.ActionDescriptor) (Verdict, error) {
	perms := action.Permissions()
	if len(perms) == 0 {
		return Verdict{Outcome: Granted}, nil
	}
	v, err := g.provider.Check(ctx, app, perms)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s - check %s/%s for %s: %w", logPrefix, action.Capability(), action.Name(), app, err)
	}
	return v, nil
}

// Prompt asks the user about p.Missing and calls resolve exactly once with
// Granted or Denied. For a disruptive action it fails fast with
// ErrTooManyRequests while another prompt for it is outstanding; other
// actions wait their turn.
func (g *Gate) Prompt(ctx context.Context, p PromptParams, resolve func(Verdict)) error {
	name := p.Action.Name()
	if p.Action.Disruptive() {
		release, ok := g.guards.TryEnter(p.Capability, p.Instance, name)
		if !ok {
			return fmt.Errorf("%s - prompt %s/%s: %w", logPrefix, p.Capability, name, ErrTooManyRequests)
		}
		g.show(ctx, p, release, resolve)
		return nil
	}
	ticket := g.guards.Queue(p.Capability, p.Instance, name)
	go func() {
		release, err := ticket.Wait(ctx)
		if err != nil {
			slog.Debug(fmt.Sprintf("%s - gave up waiting to prompt %s/%s: %v", logPrefix, p.Capability, name, err))
			resolve(Verdict{Outcome: Denied})
			return
		}
		g.show(ctx, p, release, resolve)
	}()
	return nil
}

type pendingPrompt struct {
	mu      sync.Mutex
	done    bool
	stop    func() bool
	finish  func(Verdict)
	surface bridge.SurfaceID
}

func (pp *pendingPrompt) setStop(stop func() bool) {
	pp.mu.Lock()
	if pp.done {
		pp.mu.Unlock()
		stop()
		return
	}
	pp.stop = stop
	pp.mu.Unlock()
}

func (g *Gate) show(ctx context.Context, p PromptParams, release guard.Release, resolve func(Verdict)) {
	pp := &pendingPrompt{surface: p.Surface}
	pp.finish = func(v Verdict) {
		pp.mu.Lock()
		if pp.done {
			pp.mu.Unlock()
			return
		}
		pp.done = true
		stop := pp.stop
		pp.mu.Unlock()

		if stop != nil {
			stop()
		}
		g.untrack(pp)
		release()
		resolve(v)
	}
	g.track(pp)
	pp.setStop(context.AfterFunc(ctx, func() {
		slog.Debug(fmt.Sprintf("%s - prompt for %s/%s cancelled", logPrefix, p.Capability, p.Action.Name()))
		pp.finish(Verdict{Outcome: Denied})
	}))

	req := PromptRequest{
		App:         p.App,
		Capability:  p.Capability,
		Action:      p.Action.Name(),
		Surface:     p.Surface,
		Permissions: p.Missing,
	}
	g.exec.Execute(func() {
		if !g.alive(p.Surface) {
			slog.Debug(fmt.Sprintf("%s - surface %q gone before prompt", logPrefix, p.Surface))
			pp.finish(Verdict{Outcome: Denied})
			return
		}
		if g.prompter == nil {
			slog.Warn(fmt.Sprintf("%s - %s/%s needs %v: %v", logPrefix, p.Capability, p.Action.Name(), p.Missing, ErrNoPrompter))
			pp.finish(Verdict{Outcome: Denied})
			return
		}
		err := g.prompter.Prompt(ctx, req, func(a Answer) {
			pp.finish(g.decide(ctx, p, a))
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - prompt for %s/%s failed: %v", logPrefix, p.Capability, p.Action.Name(), err))
			pp.finish(Verdict{Outcome: Denied})
		}
	})
}

// decide turns an answer into a verdict and persists remembered decisions.
func (g *Gate) decide(ctx context.Context, p PromptParams, a Answer) Verdict {
	var v Verdict
	var mode Mode
	switch a.Decision {
	case Grant:
		v = Verdict{Outcome: Granted}
		if a.Remember {
			mode = ModeAccept
		}
	case Deny:
		v = Verdict{Outcome: Denied}
		if a.Remember {
			mode = ModeReject
		}
	case Forbid:
		v = Verdict{Outcome: Denied, Forbidden: true}
		mode = ModeForbidden
	default:
		return Verdict{Outcome: Denied}
	}
	if mode != "" {
		if err := g.provider.Record(context.WithoutCancel(ctx), p.App, p.Missing, mode); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to remember %s for %s: %v", logPrefix, mode, p.App, err))
		}
	}
	return v
}

func (g *Gate) track(pp *pendingPrompt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.pending[pp.surface]
	if !ok {
		set = make(map[*pendingPrompt]struct{})
		g.pending[pp.surface] = set
	}
	set[pp] = struct{}{}
}

func (g *Gate) untrack(pp *pendingPrompt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.pending[pp.surface]; ok {
		delete(set, pp)
		if len(set) == 0 {
			delete(g.pending, pp.surface)
		}
	}
}

// Outstanding counts unresolved prompts on a surface.
func (g *Gate) Outstanding(surface bridge.SurfaceID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[surface])
}

// SurfaceDestroyed denies every prompt still open on the surface.
func (g *Gate) SurfaceDestroyed(surface bridge.SurfaceID) {
	g.mu.Lock()
	set := g.pending[surface]
	delete(g.pending, surface)
	g.mu.Unlock()

	for pp := range set {
		pp.finish(Verdict{Outcome: Denied})
	}
	if len(set) > 0 {
		slog.Info(fmt.Sprintf("%s - surface %s destroyed, denied %d open prompts", logPrefix, surface, len(set)))
	}
}

// DeniedResponse is the terminal response for a denial.
func DeniedResponse(v Verdict) *bridge.Response {
	if v.Forbidden {
		return bridge.ErrorResponse(bridge.StatusUserDenied, "permission forbidden")
	}
	return bridge.UserDenied
}
