// Package sched implements the minimal reference scheduler SPEC_FULL.md
// adds behind spec.md §6's consumed Scheduler collaborator: a single-CPU
// cooperative round-robin loop, just enough to drive the rest of this
// module's components end-to-end. Scheduler policy beyond round-robin,
// preemption, and SMP are explicitly out of scope (spec.md §1 Non-goals).
//
// Adapted from the teacher's infernet/infer.go worker-channel pattern:
// fetchWork's select-over-work-channel/exitCh loop becomes Run's
// select-over-ready-channel/ctx.Done() loop, with each "unit of work" being a
// thread's turn to run instead of an inference request.
package sched

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/gouk/unicore/internal/assert"
	"github.com/gouk/unicore/thread"
)

// Scheduler is a single-goroutine, round-robin cooperative scheduler: at
// most one thread's body goroutine ever runs at a time, matching spec.md
// §5's single-CPU model. Threads are represented by ordinary goroutines
// that park on a per-thread channel between turns; Run is the loop that
// decides whose turn it is next.
type Scheduler struct {
	mu     sync.Mutex
	resume map[*thread.Thread]chan struct{}

	ready   chan *thread.Thread
	turnEnd chan struct{}

	curMu sync.Mutex
	cur   *thread.Thread

	eg errgroup.Group
}

// New constructs an idle Scheduler. Call Install to wire it into the
// thread package's YieldHook before Spawn-ing any thread bodies.
func New() *Scheduler {
	return &Scheduler{
		resume:  make(map[*thread.Thread]chan struct{}),
		ready:   make(chan *thread.Thread, 256),
		turnEnd: make(chan struct{}),
	}
}

// Install registers s as the active scheduler's yield mechanism. Only one
// Scheduler may be installed per process; tests that construct multiple
// Schedulers must not run concurrently.
func (s *Scheduler) Install() {
	thread.YieldHook = s.Yield
}

func (s *Scheduler) resumeChan(t *thread.Thread) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.resume[t]
	if !ok {
		ch = make(chan struct{})
		s.resume[t] = ch
	}
	return ch
}

// OnBlocked implements thread.Scheduler. The round-robin loop learns a
// thread stopped running from Yield's turnEnd signal, not from this
// callback; OnBlocked exists only so Thread's bookkeeping (spec.md §4.5
// block_until) has somewhere to report to.
func (s *Scheduler) OnBlocked(t *thread.Thread) {
	log.Debug("sched: thread blocked", "thread", t.Name())
}

// OnWokeup implements thread.Scheduler: re-enqueue t as ready to run.
func (s *Scheduler) OnWokeup(t *thread.Thread) {
	log.Debug("sched: thread woken", "thread", t.Name())
	s.ready <- t
}

// Current returns the thread the run loop is currently giving a turn to.
func (s *Scheduler) Current() *thread.Thread {
	s.curMu.Lock()
	defer s.curMu.Unlock()
	return s.cur
}

// Yield parks the calling goroutine -- which must be running as the body
// of thread.Current() -- until the run loop schedules that thread again.
// This is the function installed as thread.YieldHook.
func (s *Scheduler) Yield() {
	t := thread.Current()
	assert.NotNil(t, "sched.Yield called with no current thread")

	ch := s.resumeChan(t)
	s.turnEnd <- struct{}{}
	<-ch
}

// Spawn attaches t to s, marks it runnable, and launches body as t's
// goroutine, tracked by an errgroup so Wait can join every spawned thread
// body and surface the first panic any of them turned into an error.
// body must eventually return (the thread exits) or call an operation
// that blocks t (futex.Wait, thread.Block) so the scheduler can move on
// to the next ready thread.
func (s *Scheduler) Spawn(t *thread.Thread, body func()) {
	t.AttachScheduler(s)
	ch := s.resumeChan(t)

	s.eg.Go(func() (err error) {
		<-ch
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sched: thread %q panicked: %v", t.Name(), r)
			}
			s.turnEnd <- struct{}{}
		}()
		body()
		return nil
	})

	s.ready <- t
}

// Wait blocks until every thread body Spawn has launched has returned,
// and reports the first one that panicked, if any.
func (s *Scheduler) Wait() error {
	return s.eg.Wait()
}

// runOne gives t exactly one turn: makes it current, wakes its goroutine,
// and waits for that goroutine to either block again or finish.
func (s *Scheduler) runOne(t *thread.Thread) {
	s.curMu.Lock()
	s.cur = t
	s.curMu.Unlock()
	thread.SetCurrent(t)

	ch := s.resumeChan(t)
	ch <- struct{}{}
	<-s.turnEnd

	thread.SetCurrent(nil)
	s.curMu.Lock()
	s.cur = nil
	s.curMu.Unlock()
}

// Run drives the scheduler until ctx is canceled: pop the next ready
// thread, give it a turn, repeat. Returns ctx.Err() on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.ready:
			s.runOne(t)
		}
	}
}

// RunUntilIdle drains the ready queue and returns once no thread has a
// pending turn, instead of running forever. Useful for demos and tests
// that want a deterministic stopping point rather than an external ctx
// cancellation.
func (s *Scheduler) RunUntilIdle() {
	for {
		select {
		case t := <-s.ready:
			s.runOne(t)
		default:
			return
		}
	}
}
