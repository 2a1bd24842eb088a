// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/sched"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vfs"
)

// ThreadContextCreate models thread_initialize's saved-context argument
// (spec.md §6.3 "thread context create"): this simulation's EntryFunc
// stands in for a real saved register set, so the syscall just forwards
// it to ThreadCreate.
type ThreadContextCreate = sched.EntryFunc

// ThreadCreate allocates a new thread under pid's process and
// initializes its scheduling parameters, returning a THREAD handle
// (spec.md §6.3 "thread create").
func (t *Table) ThreadCreate(pid uint64, priority sched.Priority, affinity uint64, entry ThreadContextCreate) (Handle, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	thr := t.sched.ThreadAllocate(pc.Proc)
	thr.Initialize(priority, affinity, entry)
	return pc.addHandle(ObjThread, thr), status.New(status.Success, "")
}

// ThreadReady admits a previously-created thread to the run queue
// (spec.md §6.3 "thread ready").
func (t *Table) ThreadReady(pid uint64, h Handle) status.Status {
	thr, st := t.thread(pid, h)
	if !st.OK() {
		return st
	}
	t.sched.ThreadReady(thr)
	return status.New(status.Success, "")
}

// ThreadBlock parks the calling thread on a wait-header until signaled,
// aborted, or ctx is done (spec.md §6.3 "thread block"). c is the
// blocking thread's own Control, obtained by the caller from its
// EntryFunc — a thread can only block itself, never another thread's
// handle.
func (t *Table) ThreadBlock(ctx context.Context, c *sched.Control, wakeOn *irql.WaitableHeader, boost bool) status.Status {
	return c.Block(ctx, wakeOn, boost)
}

// ThreadGetPriority returns h's scheduling priority (spec.md §6.3
// "thread priority ... get").
func (t *Table) ThreadGetPriority(pid uint64, h Handle) (sched.Priority, status.Status) {
	thr, st := t.thread(pid, h)
	if !st.OK() {
		return 0, st
	}
	return thr.Priority(), status.New(status.Success, "")
}

// ThreadSetPriority changes h's scheduling priority (spec.md §6.3
// "thread priority ... set").
func (t *Table) ThreadSetPriority(pid uint64, h Handle, priority sched.Priority) status.Status {
	thr, st := t.thread(pid, h)
	if !st.OK() {
		return st
	}
	thr.SetPriority(priority)
	return status.New(status.Success, "")
}

// ThreadGetAffinity returns h's CPU affinity mask (spec.md §6.3 "thread
// ... affinity get").
func (t *Table) ThreadGetAffinity(pid uint64, h Handle) (uint64, status.Status) {
	thr, st := t.thread(pid, h)
	if !st.OK() {
		return 0, st
	}
	return thr.Affinity(), status.New(status.Success, "")
}

// ThreadSetAffinity changes h's CPU affinity mask (spec.md §6.3 "thread
// ... affinity set").
func (t *Table) ThreadSetAffinity(pid uint64, h Handle, mask uint64) status.Status {
	thr, st := t.thread(pid, h)
	if !st.OK() {
		return st
	}
	thr.SetAffinity(mask)
	return status.New(status.Success, "")
}

func (t *Table) thread(pid uint64, h Handle) (*sched.Thread, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return nil, st
	}
	v, st := pc.lookup(h, ObjThread)
	if !st.OK() {
		return nil, st
	}
	return v.(*sched.Thread), status.New(status.Success, "")
}

// ProcessOpenByPID returns a PROCESS handle for an already-running
// process (spec.md §6.3 "process open by pid").
func (t *Table) ProcessOpenByPID(callerPID, targetPID uint64) (Handle, status.Status) {
	caller, st := t.processContext(callerPID)
	if !st.OK() {
		return 0, st
	}
	target, st := t.processContext(targetPID)
	if !st.OK() {
		return 0, st
	}
	return caller.addHandle(ObjProcess, target.Proc), status.New(status.Success, "")
}

// ProcessStart allocates a child process of pid's process, registers its
// syscall-layer state, and starts its first thread (spec.md §6.3
// "process start").
func (t *Table) ProcessStart(pid uint64, priority sched.Priority, affinity uint64, entry sched.EntryFunc, cwd *vfs.Dirent, creds vfs.Credentials) (uint64, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	child := t.sched.ProcessAllocate(pc.Proc)
	t.sched.ProcessStart(child, priority, affinity, entry)
	if _, st := t.RegisterProcess(child, cwd, creds); !st.OK() {
		return 0, st
	}
	return child.PID, status.New(status.Success, "")
}

// ProcessStatus is the {pid, ppid, state, exit code} tuple spec.md §6.3's
// "process get status/pid/ppid" trio returns together.
type ProcessStatus struct {
	PID, PPID uint64
	State     sched.ProcessState
	ExitCode  int
}

// ProcessGetStatus reads h's current lifecycle state (spec.md §6.3
// "process get status/pid/ppid").
func (t *Table) ProcessGetStatus(pid uint64, h Handle) (ProcessStatus, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return ProcessStatus{}, st
	}
	v, st := pc.lookup(h, ObjProcess)
	if !st.OK() {
		return ProcessStatus{}, st
	}
	proc := v.(*sched.Process)
	var ppid uint64
	if proc.Parent != nil {
		ppid = proc.Parent.PID
	}
	return ProcessStatus{
		PID:      proc.PID,
		PPID:     ppid,
		State:    proc.State(),
		ExitCode: proc.ExitCode(),
	}, status.New(status.Success, "")
}

// WaitProcess blocks pid's calling process until a child matching opts
// changes state, reaping a zombie child into (pid, wstatus) on success
// (spec.md §6.3 "wait process").
func (t *Table) WaitProcess(ctx context.Context, pid uint64, opts sched.WaitOptions) (uint64, int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, 0, st
	}
	childPID, wstatus, st := t.sched.WaitProcess(ctx, pc.Proc, opts)
	if st.OK() && wstatus != sched.EncodeContinued {
		t.UnregisterProcess(childPID)
	}
	return childPID, wstatus, st
}

// WaitOnObject blocks until h's underlying object signals (a thread's
// exit header or a process's exit header), per spec.md §6.3 "wait on
// object" — the single-object case of spec.md §4.6's WaitMany.
func (t *Table) WaitOnObject(ctx context.Context, c *sched.Control, pid uint64, h Handle) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	pc.mu.Lock()
	obj, ok := pc.handles[h]
	pc.mu.Unlock()
	if !ok {
		return status.New(status.NotFound, "syscall: unknown handle")
	}

	var hdr *irql.WaitableHeader
	switch obj.typ {
	case ObjThread:
		hdr = obj.val.(*sched.Thread).ExitHeader()
	case ObjProcess:
		hdr = obj.val.(*sched.Process).ExitHeader()
	default:
		return status.New(status.InvalidArgument, "syscall: handle is not waitable")
	}
	return c.Block(ctx, hdr, false)
}
