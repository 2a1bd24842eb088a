// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syscall implements the user/kernel marshalling boundary of
// spec.md §4.8: bounded copy-in/copy-out helpers standing in for
// map_view_of_user_memory, a per-process handle table keyed by a typed
// Handle, and one Table method per spec.md §6.3 syscall entry, wired
// against pkg/sched, pkg/vfs, pkg/vmm, and pkg/netcore.
package syscall

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/obos-dev/kernel/pkg/arch"
	"github.com/obos-dev/kernel/pkg/netcore"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/sched"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/swap"
	"github.com/obos-dev/kernel/pkg/vfs"
	"github.com/obos-dev/kernel/pkg/vmm"
)

// maxCopySize bounds every copy-in/copy-out transfer the Table performs,
// standing in for map_view_of_user_memory's explicit size argument
// (spec.md §4.8: a syscall "never trusts a length claimed by user memory
// beyond" an explicit, checked bound).
const maxCopySize = 1 << 20 // 1 MiB

// maxStringLen bounds the two-pass string copy below.
const maxStringLen = 4096

// CopyIn bounds-checks and copies a caller-supplied buffer: the
// user-to-kernel half of map_view_of_user_memory. Buffers over
// maxCopySize are rejected outright rather than silently truncated.
func CopyIn(buf []byte) ([]byte, status.Status) {
	if len(buf) > maxCopySize {
		return nil, status.New(status.InvalidArgument, "syscall: copy-in exceeds bound")
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, status.New(status.Success, "")
}

// CopyOut bounds-checks dst and copies as much of src into it as fits,
// returning the number of bytes written: the kernel-to-user half.
func CopyOut(dst, src []byte) (int, status.Status) {
	if len(dst) > maxCopySize {
		return 0, status.New(status.InvalidArgument, "syscall: copy-out destination exceeds bound")
	}
	return copy(dst, src), status.New(status.Success, "")
}

// CopyInString performs the two-pass measure-then-copy a NUL-terminated
// user string gets (spec.md §4.8): first scan buf for a terminator
// within maxStringLen, then copy exactly that many bytes. A buffer with
// no terminator inside the bound is rejected rather than treated as
// maxStringLen bytes of whatever followed it in memory.
func CopyInString(buf []byte) (string, status.Status) {
	limit := len(buf)
	if limit > maxStringLen {
		limit = maxStringLen
	}
	n := -1
	for i := 0; i < limit; i++ {
		if buf[i] == 0 {
			n = i
			break
		}
	}
	if n < 0 {
		return "", status.New(status.InvalidArgument, "syscall: unterminated string exceeds bound")
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return string(out), status.New(status.Success, "")
}

// ObjectType tags a Handle's referent so operations can refuse a
// type-mismatched handle (spec.md §6.3: "Handles carry a type tag;
// operations refuse on mismatch.").
type ObjectType int

const (
	ObjProcess ObjectType = iota
	ObjThread
)

func (t ObjectType) String() string {
	switch t {
	case ObjProcess:
		return "PROCESS"
	case ObjThread:
		return "THREAD"
	default:
		return "OBJECT(?)"
	}
}

// Handle is an opaque per-process reference to a non-file kernel object
// (a thread or another process), distinct from the small-integer file
// descriptors pkg/vfs's FDTable owns.
type Handle uint64

type object struct {
	typ ObjectType
	val any
}

// socketHandle pairs a bound socket's ops/state with the fd its data
// transfers flow through, so bind/connect/listen/accept/shutdown/
// getsockname/getpeername can reach the ops vtable directly instead of
// through a read/write IRP (spec.md §4.5 socket ops table; send/recv
// still go through the fd per "sockets participate uniformly in
// read/write IRPs").
type socketHandle struct {
	ops   vfs.SocketOps
	state any
}

// ProcessContext bundles everything the syscall Table needs to serve one
// process: its scheduler-owned Process, its VFS file-descriptor table
// and current working directory, its own address space, and the
// non-fd handle table (spec.md §3 Process "handle table (fd table plus
// other object types)"). Every field here is guarded by mu, the
// "owning process's lock" spec.md §5 requires for per-process state.
type ProcessContext struct {
	mu sync.Mutex

	Proc  *sched.Process
	FDs   *vfs.FDTable
	VM    *vmm.Context
	Cwd   *vfs.Dirent
	Creds vfs.Credentials

	sockets map[int]socketHandle

	handles    map[Handle]object
	nextHandle Handle
}

func newProcessContext(proc *sched.Process, vm *vmm.Context, cwd *vfs.Dirent, creds vfs.Credentials) *ProcessContext {
	return &ProcessContext{
		Proc:    proc,
		FDs:     vfs.NewFDTable(),
		VM:      vm,
		Cwd:     cwd,
		Creds:   creds,
		sockets: make(map[int]socketHandle),
		handles: make(map[Handle]object),
	}
}

func (pc *ProcessContext) addHandle(typ ObjectType, val any) Handle {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.nextHandle++
	h := pc.nextHandle
	pc.handles[h] = object{typ: typ, val: val}
	return h
}

func (pc *ProcessContext) lookup(h Handle, want ObjectType) (any, status.Status) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	obj, ok := pc.handles[h]
	if !ok {
		return nil, status.New(status.NotFound, "syscall: unknown handle")
	}
	if obj.typ != want {
		return nil, status.New(status.InvalidArgument, fmt.Sprintf("syscall: handle %d is a %s, not a %s", h, obj.typ, want))
	}
	return obj.val, status.New(status.Success, "")
}

func (pc *ProcessContext) closeHandle(h Handle) status.Status {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.handles[h]; !ok {
		return status.New(status.NotFound, "syscall: unknown handle")
	}
	delete(pc.handles, h)
	return status.New(status.Success, "")
}

func (pc *ProcessContext) addSocket(fd int, h socketHandle) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.sockets[fd] = h
}

func (pc *ProcessContext) socket(fd int) (socketHandle, status.Status) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	h, ok := pc.sockets[fd]
	if !ok {
		return socketHandle{}, status.New(status.InvalidArgument, "syscall: fd is not a socket")
	}
	return h, status.New(status.Success, "")
}

func (pc *ProcessContext) removeSocket(fd int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.sockets, fd)
}

// Table is the kernel's syscall surface: one method per spec.md §6.3
// entry, dispatching into pkg/sched, pkg/vfs, pkg/vmm, and pkg/netcore.
// Callers identify the calling process by pid; a real syscall entry trap
// would instead read it off the current CPU's running thread.
type Table struct {
	logger logr.Logger

	sched     *sched.Scheduler
	vfsCtx    *vfs.Context
	router    *netcore.Router
	socketTbl *vfs.SocketTable

	archImpl  arch.Arch
	pmmMgr    *pmm.Manager
	swapStore swap.Store

	mu    sync.Mutex
	procs map[uint64]*ProcessContext
}

// NewTable wires a syscall surface over already-constructed kernel
// subsystems.
func NewTable(logger logr.Logger, schedr *sched.Scheduler, vfsCtx *vfs.Context, socketTbl *vfs.SocketTable, router *netcore.Router, archImpl arch.Arch, pmmMgr *pmm.Manager, swapStore swap.Store) *Table {
	return &Table{
		logger:    logger.WithName("syscall"),
		sched:     schedr,
		vfsCtx:    vfsCtx,
		router:    router,
		socketTbl: socketTbl,
		archImpl:  archImpl,
		pmmMgr:    pmmMgr,
		swapStore: swapStore,
		procs:     make(map[uint64]*ProcessContext),
	}
}

// RegisterProcess builds the per-process syscall state for an
// already-scheduler-allocated Process: its own address space and a
// handle table rooted at cwd (spec.md §4.6 process_start pairs with
// §4.3's per-process address space and §4.5's per-process fd table).
func (t *Table) RegisterProcess(proc *sched.Process, cwd *vfs.Dirent, creds vfs.Credentials) (*ProcessContext, status.Status) {
	vm, st := vmm.NewContext(t.archImpl, t.pmmMgr, t.swapStore, int(proc.PID))
	if !st.OK() {
		return nil, st
	}
	pc := newProcessContext(proc, vm, cwd, creds)
	t.mu.Lock()
	t.procs[proc.PID] = pc
	t.mu.Unlock()
	return pc, status.New(status.Success, "")
}

// UnregisterProcess drops pid's syscall-layer state once the scheduler
// has reaped its zombie (spec.md §4.6 wait_process's reap step).
func (t *Table) UnregisterProcess(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

func (t *Table) processContext(pid uint64) (*ProcessContext, status.Status) {
	t.mu.Lock()
	pc, ok := t.procs[pid]
	t.mu.Unlock()
	if !ok {
		return nil, status.New(status.NotFound, "syscall: unknown process")
	}
	return pc, status.New(status.Success, "")
}
