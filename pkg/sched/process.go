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

// ProcessState mirrors the lifecycle wait_process observes.
type ProcessState int

const (
	ProcessRunning ProcessState = iota
	ProcessZombie
	ProcessReaped
)

// Process is the container a thread tree hangs off of (spec.md §4.6
// "Processes"). The tree itself (Parent/Children) is mutated only while
// holding Scheduler.treeMu, per spec.md §5 "the process tree under a
// global mutex."
type Process struct {
	PID    uint64
	Parent *Process

	mu        sync.Mutex
	children  []*Process
	threads   []*Thread
	liveCount int
	state     ProcessState
	exitCode  int

	exitHdr      *irql.WaitableHeader
	continuedHdr *irql.WaitableHeader
}

func newProcess(pid uint64, parent *Process) *Process {
	return &Process{
		PID:          pid,
		Parent:       parent,
		exitHdr:      irql.NewWaitableHeader(true),
		continuedHdr: irql.NewWaitableHeader(true),
	}
}

func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitHeader is signaled once the process becomes a zombie, letting a
// waiter block on a process handle the same way WaitOnObject blocks on a
// thread handle (spec.md §6.3 "wait on object").
func (p *Process) ExitHeader() *irql.WaitableHeader { return p.exitHdr }

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// threadExited is called by the scheduler's reap path every time one of
// the process's threads reaches StateDead; once the last thread exits the
// process itself becomes a zombie (spec.md §4.6: the process's waitable
// header signals on exit).
func (p *Process) threadExited(code int) (becameZombie bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liveCount--
	if p.liveCount > 0 {
		return false
	}
	p.exitCode = code
	p.state = ProcessZombie
	p.exitHdr.Signal()
	return true
}

// Continue signals the process's continuation header, simulating SIGCONT
// delivery for WCONTINUED waiters (spec.md §4.6 "WCONTINUED wakes without
// reap").
func (p *Process) Continue() {
	p.continuedHdr.Signal()
}

// EncodeExited builds a waitpid-style wstatus for a normal exit (spec.md
// §4.6 "the exit code includes the waitpid-style status encoding").
func EncodeExited(code int) int {
	return (code & 0xff) << 8
}

// EncodeContinued is the sentinel wstatus WaitProcess returns for a
// WCONTINUED wakeup.
const EncodeContinued = 0xffff

// WaitOptions mirrors the POSIX waitpid flags spec.md §4.6 calls out by
// name.
type WaitOptions int

const (
	WNoHang WaitOptions = 1 << iota
	WContinued
)

// ProcessAllocate creates a new process as a child of parent (nil for a
// root process) and links it into the tree under the global process-tree
// lock (spec.md §4.6 "process_allocate").
func (s *Scheduler) ProcessAllocate(parent *Process) *Process {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	s.nextPID++
	proc := newProcess(s.nextPID, parent)
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, proc)
		parent.mu.Unlock()
	}
	s.notifyProcessCreate(proc.PID)
	return proc
}

// ProcessStart allocates and readies proc's main thread (spec.md §4.6
// "process_start(proc, main_thread)").
func (s *Scheduler) ProcessStart(proc *Process, priority Priority, affinity uint64, entry EntryFunc) *Thread {
	thr := s.ProcessAppendThread(proc, priority, affinity, entry)
	return thr
}

// ProcessAppendThread adds a new thread to proc and readies it (spec.md
// §4.6 "process_append_thread").
func (s *Scheduler) ProcessAppendThread(proc *Process, priority Priority, affinity uint64, entry EntryFunc) *Thread {
	thr := s.ThreadAllocate(proc)
	thr.Initialize(priority, affinity, entry)

	proc.mu.Lock()
	proc.threads = append(proc.threads, thr)
	proc.liveCount++
	proc.state = ProcessRunning
	proc.mu.Unlock()

	s.ThreadReady(thr)
	return thr
}

// WaitProcess waits for any direct child of parent to become a zombie (or,
// with WContinued set, to be continued) and returns its pid and encoded
// status (spec.md §4.6 "wait_process(proc, &wstatus, opts, &pid)"). With
// WNoHang set it returns status.Retry immediately if no child is ready
// instead of blocking.
func (s *Scheduler) WaitProcess(ctx context.Context, parent *Process, opts WaitOptions) (pid uint64, wstatus int, st status.Status) {
	for {
		parent.mu.Lock()
		for i, child := range parent.children {
			if child.State() == ProcessZombie {
				code := child.ExitCode()
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				parent.mu.Unlock()
				child.mu.Lock()
				child.state = ProcessReaped
				child.mu.Unlock()
				return child.PID, EncodeExited(code), status.New(status.Success, "")
			}
		}
		children := append([]*Process(nil), parent.children...)
		parent.mu.Unlock()

		if len(children) == 0 {
			return 0, 0, status.New(status.NotFound, "sched: no children")
		}

		if opts&WNoHang != 0 {
			return 0, 0, status.New(status.Retry, "sched: no zombie children yet")
		}

		hdrs := make([]*irql.WaitableHeader, 0, len(children)+1)
		hdrIsContinue := make([]bool, 0, len(children)+1)
		procForHdr := make([]*Process, 0, len(children)+1)
		for _, c := range children {
			hdrs = append(hdrs, c.exitHdr)
			hdrIsContinue = append(hdrIsContinue, false)
			procForHdr = append(procForHdr, c)
			if opts&WContinued != 0 {
				hdrs = append(hdrs, c.continuedHdr)
				hdrIsContinue = append(hdrIsContinue, true)
				procForHdr = append(procForHdr, c)
			}
		}

		idx, result := irql.WaitOnObjects(ctx, hdrs)
		if result != irql.WaitSuccess {
			return 0, 0, irql.ToStatus(result)
		}
		if hdrIsContinue[idx] {
			return procForHdr[idx].PID, EncodeContinued, status.New(status.Success, "")
		}
		// A child exited; loop back around to reap it through the
		// ordinary zombie-scan path above (keeps reap logic in one place).
	}
}

// reparentOrphans moves proc's still-running children onto init (spec.md
// §4.6 "Parent inherits zombies"): when an intermediate parent exits
// before reaping, its children must still have somewhere to be reaped
// from, so they are adopted by the scheduler's init process exactly as a
// POSIX kernel reparents orphans to PID 1.
func (s *Scheduler) reparentOrphans(proc *Process) {
	proc.mu.Lock()
	orphans := proc.children
	proc.children = nil
	proc.mu.Unlock()

	if len(orphans) == 0 {
		return
	}
	init := s.Init()
	init.mu.Lock()
	for _, o := range orphans {
		o.Parent = init
	}
	init.children = append(init.children, orphans...)
	init.mu.Unlock()
}
