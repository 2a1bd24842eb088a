// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package arch

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/status"
)

// KernelBase is the canonical higher-half base every page table is
// pre-populated with (spec.md §4.2: "allocate_page_table -> new root
// pre-populated with the shared kernel mapping"). It is an implementation
// choice, not hardware-derived.
const KernelBase pmm.VirtAddr = 0xFFFF_8000_0000_0000

// directMapBase is where MapVirtFromPhys's permanent direct map begins.
const directMapBase pmm.VirtAddr = 0xFFFF_8800_0000_0000

// amd64sim is the one concrete Arch implementation (spec.md §4.2: "this
// satisfies the spec's 'one arch module is required' floor"). It backs the
// page table with an in-memory sparse map instead of real page-table
// walks; each table's map is guarded by that table's own read/write mutex.
type amd64sim struct {
	logger logr.Logger

	nextTableID uint64

	cpuMu sync.Mutex
	cpus  map[uint64]*CPU // keyed by worker goroutine id supplied at RegisterWorker

	// shootdownMu serializes TLBShootdown packet delivery; the fan-out to
	// per-CPU channels mirrors an IPI broadcast.
	shootdownMu sync.Mutex
	shootdownCh map[uint64]chan shootdownPacket

	nextCtxID uint64
}

type shootdownPacket struct {
	base pmm.VirtAddr
	size uintptr
}

// simPageTable is the sparse-map-backed PageTable. entries maps a
// page-aligned vaddr to its mapping and is guarded by mu. lock is a
// Dispatch-level spinlock allocated with each table; no method in this
// file acquires it.
type simPageTable struct {
	id      uint64
	lock    *irql.Spinlock
	mu      sync.RWMutex
	entries map[pmm.VirtAddr]PageInfo
}

func (t *simPageTable) ID() uint64 { return t.id }

type simThreadContext struct {
	id        uint64
	entry     uintptr
	arg       uintptr
	user      bool
	stack     pmm.VirtAddr
	stackSize uintptr
}

func (c *simThreadContext) ID() uint64 { return c.id }

// NewAMD64Sim constructs the simulated architecture module.
func NewAMD64Sim(logger logr.Logger) Arch {
	return &amd64sim{
		logger:      logger,
		cpus:        make(map[uint64]*CPU),
		shootdownCh: make(map[uint64]chan shootdownPacket),
	}
}

// RegisterWorker associates the calling scheduler worker's id with a fresh
// per-CPU block, so a later CPULocal call from the same worker id finds it.
// pkg/sched calls this once per worker goroutine it spawns.
func (a *amd64sim) RegisterWorker(workerID uint64) *CPU {
	a.cpuMu.Lock()
	defer a.cpuMu.Unlock()
	cpu := &CPU{ID: int(workerID)}
	a.cpus[workerID] = cpu
	a.shootdownMu.Lock()
	a.shootdownCh[workerID] = make(chan shootdownPacket, 8)
	a.shootdownMu.Unlock()
	return cpu
}

// CPULocal has no GS-base register to read, and a bare goroutine has no
// machine identity: pkg/sched keeps the *CPU that RegisterWorker returned
// for each worker, and CPULocalFor looks one up by worker id. CPULocal (to
// satisfy the Arch interface) returns the lone registered CPU when exactly
// one exists, and nil otherwise.
func (a *amd64sim) CPULocal() *CPU {
	a.cpuMu.Lock()
	defer a.cpuMu.Unlock()
	if len(a.cpus) == 1 {
		for _, c := range a.cpus {
			return c
		}
	}
	a.logger.V(1).Info("CPULocal called with zero or multiple registered CPUs; use CPULocalFor", "count", len(a.cpus))
	return nil
}

// CPULocalFor is the O(1) per-worker lookup that works with any number of
// registered simulated CPUs.
func (a *amd64sim) CPULocalFor(workerID uint64) *CPU {
	a.cpuMu.Lock()
	defer a.cpuMu.Unlock()
	return a.cpus[workerID]
}

func (a *amd64sim) MapVirtFromPhys(phys pmm.PhysAddr) pmm.VirtAddr {
	return directMapBase + pmm.VirtAddr(phys)
}

func (a *amd64sim) AllocatePageTable() (PageTable, status.Status) {
	id := atomic.AddUint64(&a.nextTableID, 1)
	t := &simPageTable{
		id:      id,
		lock:    irql.NewSpinlock(irql.Dispatch),
		entries: make(map[pmm.VirtAddr]PageInfo),
	}
	// Pre-populate the shared kernel mapping: the single page at KernelBase
	// resolves to the frame 0 placeholder so QueryPageInfo(KernelBase)
	// succeeds on a freshly allocated table (spec.md §4.2). No other
	// higher-half address is mapped.
	t.entries[KernelBase] = PageInfo{Present: true, Prot: Prot{Present: true, RW: true}}
	return t, status.New(status.Success, "")
}

func (a *amd64sim) QueryPageInfo(pt PageTable, vaddr pmm.VirtAddr) (PageInfo, status.Status) {
	t, ok := pt.(*simPageTable)
	if !ok {
		return PageInfo{}, status.New(status.InvalidArgument, "page table not produced by amd64sim")
	}
	aligned := alignDown(vaddr, pmm.PageSize)
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.entries[aligned]
	if !ok {
		return PageInfo{}, status.New(status.NotFound, "no mapping at vaddr")
	}
	return info, status.New(status.Success, "")
}

func (a *amd64sim) SetPageMapping(pt PageTable, vaddr pmm.VirtAddr, phys pmm.PhysAddr, prot Prot, freeIntermediate bool) status.Status {
	t, ok := pt.(*simPageTable)
	if !ok {
		return status.New(status.InvalidArgument, "page table not produced by amd64sim")
	}
	aligned := alignDown(vaddr, pmm.PageSize)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !prot.Present {
		delete(t.entries, aligned)
		return status.New(status.Success, "")
	}
	t.entries[aligned] = PageInfo{Present: true, Huge: prot.Huge, Phys: phys, Prot: prot}
	return status.New(status.Success, "")
}

func (a *amd64sim) TLBShootdown(pt PageTable, base pmm.VirtAddr, size uintptr) {
	a.shootdownMu.Lock()
	defer a.shootdownMu.Unlock()
	for _, ch := range a.shootdownCh {
		select {
		case ch <- shootdownPacket{base: base, size: size}:
		default:
			a.logger.V(1).Info("shootdown channel full, dropping (consumer presumed unscheduled)", "base", base)
		}
	}
}

func (a *amd64sim) SetupThreadContext(entry uintptr, arg uintptr, user bool, stack pmm.VirtAddr, stackSize uintptr) (ThreadContext, status.Status) {
	if stackSize == 0 {
		return nil, status.New(status.InvalidArgument, "stack size must be non-zero")
	}
	id := atomic.AddUint64(&a.nextCtxID, 1)
	return &simThreadContext{id: id, entry: entry, arg: arg, user: user, stack: stack, stackSize: stackSize}, status.New(status.Success, "")
}

// SwitchTo is a no-op in the simulated arch: pkg/sched's run loop, not a
// real context switch, is what resumes a thread's goroutine. SwitchTo
// exists so call sites written against the Arch interface compile and log
// the transition the way a real arch module's switch_to would.
func (a *amd64sim) SwitchTo(ctx ThreadContext) {
	a.logger.V(2).Info("switch_to", "contextID", ctx.ID())
}

func alignDown(v pmm.VirtAddr, align uintptr) pmm.VirtAddr {
	return pmm.VirtAddr(uintptr(v) &^ (align - 1))
}
