// Package executor provides the two execution contexts action bodies run on:
// a serialized surface-affine executor and an unbounded background pool.
package executor

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/morezero/capability-bridge/pkg/catalog"
)

const logPrefix = "executor:executor"

// Executor runs tasks.
type Executor interface {
	Execute(task func())
}

// Surface runs tasks one at a time, in submission order, on a single
// goroutine. The queue is unbounded.
type Surface struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSurface starts the surface goroutine.
func NewSurface() *Surface {
	s := &Surface{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Execute queues task. Tasks submitted after Close are dropped.
func (s *Surface) Execute(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - surface executor closed, task dropped", logPrefix))
		return
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Surface) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		run("surface", task)
	}
}

// Close stops accepting tasks, drains the queue and waits for the goroutine.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}

// Pool runs every task on its own goroutine.
type Pool struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a background pool.
func NewPool() *Pool {
	return &Pool{}
}

// Execute starts task on a new goroutine. Tasks submitted after Close are
// dropped.
func (p *Pool) Execute(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - background pool closed, task dropped", logPrefix))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		run("background", task)
	}()
}

// Close stops accepting tasks and waits for running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Inline runs tasks on the caller's goroutine.
type Inline struct{}

func (Inline) Execute(task func()) { task() }

// run keeps a panicking task from killing its executor goroutine.
func run(where string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic in %s task: %v\n%s", logPrefix, where, r, debug.Stack()))
		}
	}()
	task()
}

// Selector maps an action to its execution context. The choice is static
// per action.
type Selector struct {
	surface    Executor
	background Executor
}

// NewSelector creates a Selector.
func NewSelector(surface, background Executor) *Selector {
	return &Selector{surface: surface, background: background}
}

// Select returns the executor the action's body must run on.
func (s *Selector) Select(action *catalog.ActionDescriptor) Executor {
	if action.Executor() == catalog.ExecutorSurface {
		return s.surface
	}
	return s.background
}

// Surface returns the surface-affine executor.
func (s *Selector) Surface() Executor { return s.surface }

// Background returns the background executor.
func (s *Selector) Background() Executor { return s.background }
