// Package guard implements the single-outstanding-operation guard used for
// permission prompts and heavy capability operations.
package guard

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

const logPrefix = "guard:guard"

// Scope decides how widely one guard is shared.
type Scope string

const (
	// ScopeInstance keeps one guard per capability instance and action.
	ScopeInstance Scope = "instance"
	// ScopeGlobal shares one guard across every instance of a capability
	// type, rate limiting the action process-wide.
	ScopeGlobal Scope = "global"
)

// ParseScope validates a configured scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeInstance, ScopeGlobal:
		return Scope(s), nil
	case "":
		return ScopeInstance, nil
	default:
		return "", fmt.Errorf("%s - unknown guard scope %q", logPrefix, s)
	}
}

// Release gives the guard back. Calling it more than once is harmless.
type Release func()

type key struct {
	capability string
	instance   string
	action     string
}

// Guards hands out one weight-1 semaphore per key. Waiters queued with
// Queue enter in the order they were queued.
type Guards struct {
	scope Scope

	mu    sync.Mutex
	sems  map[key]*semaphore.Weighted
	tails map[key]chan struct{}
}

// New creates a guard set with the given scope.
func New(scope Scope) *Guards {
	if scope == "" {
		scope = ScopeInstance
	}
	return &Guards{scope: scope, sems: make(map[key]*semaphore.Weighted), tails: make(map[key]chan struct{})}
}

// Scope returns the configured scope.
func (g *Guards) Scope() Scope { return g.scope }

func (g *Guards) key(capability, instance, action string) key {
	k := key{capability: capability, action: action}
	if g.scope == ScopeInstance {
		k.instance = instance
	}
	return k
}

func (g *Guards) sem(capability, instance, action string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.semLocked(g.key(capability, instance, action))
}

func (g *Guards) semLocked(k key) *semaphore.Weighted {
	s, ok := g.sems[k]
	if !ok {
		s = semaphore.NewWeighted(1)
		g.sems[k] = s
	}
	return s
}

// TryEnter takes the guard without waiting. ok is false when it is held.
func (g *Guards) TryEnter(capability, instance, action string) (Release, bool) {
	s := g.sem(capability, instance, action)
	if !s.TryAcquire(1) {
		return nil, false
	}
	return releaser(s), true
}

// Enter waits for the guard or for ctx to end.
func (g *Guards) Enter(ctx context.Context, capability, instance, action string) (Release, error) {
	return g.Queue(capability, instance, action).Wait(ctx)
}

// Ticket is a place in the line for one guard.
type Ticket struct {
	g     *Guards
	k     key
	sem   *semaphore.Weighted
	prev  chan struct{}
	done  chan struct{}
	label string
}

// Queue takes a place in line without blocking. Tickets for the same guard
// enter in the order Queue handed them out, whichever goroutine waits on
// them.
func (g *Guards) Queue(capability, instance, action string) *Ticket {
	k := g.key(capability, instance, action)
	g.mu.Lock()
	defer g.mu.Unlock()
	t := &Ticket{
		g:     g,
		k:     k,
		sem:   g.semLocked(k),
		prev:  g.tails[k],
		done:  make(chan struct{}),
		label: capability + "." + action,
	}
	g.tails[k] = t.done
	return t
}

// Wait blocks until every earlier ticket has entered or given up and the
// guard is free, or until ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Release, error) {
	defer t.leave()
	if t.prev != nil {
		select {
		case <-t.prev:
		case <-ctx.Done():
			return nil, fmt.Errorf("%s - wait for %s: %w", logPrefix, t.label, ctx.Err())
		}
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s - wait for %s: %w", logPrefix, t.label, err)
	}
	return releaser(t.sem), nil
}

// leave lets the next ticket go, but never ahead of an earlier one still
// waiting.
func (t *Ticket) leave() {
	if t.prev != nil {
		select {
		case <-t.prev:
		default:
			go func() {
				<-t.prev
				t.close()
			}()
			return
		}
	}
	t.close()
}

func (t *Ticket) close() {
	t.g.mu.Lock()
	if t.g.tails[t.k] == t.done {
		delete(t.g.tails, t.k)
	}
	t.g.mu.Unlock()
	close(t.done)
}

// Forget drops the guards kept for a disposed instance. Holders that
// release later release their own semaphore.
func (g *Guards) Forget(instance string) {
	if g.scope != ScopeInstance {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.sems {
		if k.instance == instance {
			delete(g.sems, k)
		}
	}
	for k := range g.tails {
		if k.instance == instance {
			delete(g.tails, k)
		}
	}
}

func releaser(s *semaphore.Weighted) Release {
	var once sync.Once
	return func() {
		once.Do(func() { s.Release(1) })
	}
}
