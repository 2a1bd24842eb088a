// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"sync"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// State is a thread's position in its lifecycle (spec.md §4.6 "Threads").
type State int

const (
	StateInitialized State = iota
	StateReady
	StateRunning
	StateBlocked
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateDead:
		return "DEAD"
	default:
		return "STATE(?)"
	}
}

// EntryFunc is a thread's body. It runs on its own goroutine but only
// between a Control.runCh receive and the next Control.Yield/Block/Exit
// call: the per-CPU run queue governs when that goroutine is allowed to
// make progress, standing in for a real context switch.
type EntryFunc func(ctx context.Context, c *Control)

// AffinityAll permits scheduling on any CPU the scheduler knows about.
const AffinityAll uint64 = ^uint64(0)

// action is what a thread told its CPU worker when it gave up the CPU.
type action int

const (
	actionYield action = iota
	actionBlock
	actionExit
)

// Thread is one schedulable unit (spec.md §3 "Thread"). The zero value is
// not usable; construct with Scheduler.ThreadAllocate.
type Thread struct {
	ID      uint64
	Process *Process

	owner *Scheduler

	priority  Priority
	effective Priority
	affinity  uint64
	entry     EntryFunc
	ctx       context.Context
	control   *Control
	runCh     chan struct{}
	doneCh    chan action
	started   bool
	startMu   sync.Mutex
	exitHdr   *irql.WaitableHeader
	exitCode  int

	stateMu sync.RWMutex
	state   State
	cpu     *cpuState
}

// Control is the handle an EntryFunc uses to cooperate with the
// scheduler: Yield, Block, and Exit.
type Control struct {
	thr *Thread
}

func newThread(id uint64, proc *Process, owner *Scheduler, ctx context.Context) *Thread {
	t := &Thread{
		ID:      id,
		Process: proc,
		owner:   owner,
		ctx:     ctx,
		runCh:   make(chan struct{}),
		doneCh:  make(chan action, 1),
		exitHdr: irql.NewWaitableHeader(true),
		state:   StateInitialized,
	}
	t.control = &Control{thr: t}
	return t
}

// Initialize sets the scheduling parameters a real thread_initialize
// would take (spec.md §4.6 "thread_initialize(priority, affinity,
// context)"). entry stands in for the saved register/instruction-pointer
// context a real kernel would restore.
func (t *Thread) Initialize(priority Priority, affinity uint64, entry EntryFunc) {
	t.priority = priority
	t.effective = priority
	t.affinity = affinity
	t.entry = entry
}

func (t *Thread) Priority() Priority { return t.priority }

// SetPriority changes the thread's base (and current effective) priority
// (spec.md §6.3 "thread priority... set"). It does not itself move an
// already-queued thread between buckets; a caller wanting that effect
// re-readies the thread after calling this.
func (t *Thread) SetPriority(p Priority) {
	t.priority = p
	t.effective = p
}

// Affinity returns the thread's CPU affinity mask.
func (t *Thread) Affinity() uint64 { return t.affinity }

// SetAffinity changes the thread's CPU affinity mask (spec.md §6.3
// "thread... affinity... set"); it takes effect the next time the
// thread is readied.
func (t *Thread) SetAffinity(mask uint64) { t.affinity = mask }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// ExitHeader is signaled once the thread reaches StateDead (spec.md §4.6
// "exit_current_thread... sets the thread's waitable header"). The
// process's own exit header, which WaitProcess waits on, is signaled
// separately once the process's last thread exits.
func (t *Thread) ExitHeader() *irql.WaitableHeader { return t.exitHdr }

func (t *Thread) ExitCode() int { return t.exitCode }

// Yield voluntarily gives up the CPU and re-enters the ready queue at its
// base priority (spec.md §4.6 "Yield is voluntary; ticks may also
// yield.").
func (c *Control) Yield(ctx context.Context) {
	c.thr.doneCh <- actionYield
	<-c.thr.runCh
}

// Block moves the calling thread off the run queue onto wakeOn's waiter
// list and parks until it is signaled, aborted, or ctx is done (spec.md
// §4.6 "thread_block(thr, wake_on_signal)"). boost requests the
// I/O-completion priority bump described in the Run queue section when
// the thread is re-readied.
func (c *Control) Block(ctx context.Context, wakeOn *irql.WaitableHeader, boost bool) status.Status {
	c.thr.setState(StateBlocked)
	c.thr.doneCh <- actionBlock

	result := wakeOn.Wait(ctx)

	c.thr.setState(StateReady)
	c.thr.owner.ready(c.thr, boost)
	<-c.thr.runCh
	return irql.ToStatus(result)
}

// Exit marks the thread dead, signals its exit header, and returns control
// to the CPU worker one final time (spec.md §4.6 "exit_current_thread
// marks DEAD and sets the thread's waitable header").
func (c *Control) Exit(code int) {
	c.thr.exitCode = code
	c.thr.setState(StateDead)
	c.thr.exitHdr.Signal()
	c.thr.doneCh <- actionExit
}

// launchOnce starts the thread's backing goroutine the first time it is
// readied; every subsequent handoff reuses the same goroutine parked on
// runCh.
func (t *Thread) launchOnce() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go func() {
		<-t.runCh
		t.entry(t.ctx, t.control)
		if t.State() != StateDead {
			t.control.Exit(0)
		}
	}()
}
