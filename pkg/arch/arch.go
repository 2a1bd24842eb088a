// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package arch is the architecture abstraction (spec.md §4.2): page table
// manipulation, TLB shootdown, thread context setup/switch, and per-CPU
// lookup. One concrete implementation is provided, amd64sim, which backs
// the page table with an in-memory sparse map instead of real page-table
// walks — the rest of the kernel is written against the Arch interface and
// never assumes amd64sim's internals.
package arch

import (
	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/status"
)

// Prot mirrors the page descriptor protection bits from spec.md §3.
type Prot struct {
	Present        bool
	RW             bool
	User           bool
	Executable     bool
	Huge           bool
	Uncacheable    bool
	WriteCombining bool
	ReadOnly       bool
	IsSwapPhys     bool
}

// PageInfo is the result of QueryPageInfo.
type PageInfo struct {
	Present bool
	Huge    bool
	Phys    pmm.PhysAddr
	Prot    Prot
}

// PageTable is an opaque per-address-space root handle. Only the Arch
// implementation that produced one via AllocatePageTable may dereference it.
type PageTable interface {
	// ID distinguishes page tables for logging/debugging; it has no
	// hardware meaning.
	ID() uint64
}

// ThreadContext is an opaque saved-register/stack-pointer blob; only the
// Arch implementation that produced it via SetupThreadContext may
// dereference it. amd64sim's SwitchTo only logs the transition and returns
// at once; pkg/sched's run loop is what resumes a thread's goroutine.
type ThreadContext interface {
	ID() uint64
}

// CPU is the architecture's per-CPU block. It embeds irql.CPU so every
// other package that needs "the current IRQL" and "the current arch CPU"
// gets both from one pointer (spec.md §4.2: "per-CPU pointer reachable in
// O(1) from any context").
type CPU struct {
	irql.CPU
	ID int
}

// Arch is the architecture abstraction's full surface (spec.md §4.2).
type Arch interface {
	// MapVirtFromPhys returns a kernel-addressable pointer into the
	// permanent higher-half direct map for a physical address.
	MapVirtFromPhys(phys pmm.PhysAddr) pmm.VirtAddr
	QueryPageInfo(pt PageTable, vaddr pmm.VirtAddr) (PageInfo, status.Status)
	SetPageMapping(pt PageTable, vaddr pmm.VirtAddr, phys pmm.PhysAddr, prot Prot, freeIntermediate bool) status.Status
	// AllocatePageTable returns a new root pre-populated with the shared
	// kernel mapping.
	AllocatePageTable() (PageTable, status.Status)
	// TLBShootdown invalidates translations for [base, base+size) across
	// every CPU that may be caching them.
	TLBShootdown(pt PageTable, base pmm.VirtAddr, size uintptr)
	SetupThreadContext(entry uintptr, arg uintptr, user bool, stack pmm.VirtAddr, stackSize uintptr) (ThreadContext, status.Status)
	SwitchTo(ctx ThreadContext)
	// CPULocal returns the calling goroutine-worker's per-CPU block,
	// registered previously via RegisterWorker.
	CPULocal() *CPU
}

// WorkerRegistrar is implemented by Arch modules that need pkg/sched to
// associate each worker goroutine it spawns with a per-CPU block, standing
// in for the hardware GS-base setup a real arch module performs once per
// core at boot.
type WorkerRegistrar interface {
	RegisterWorker(workerID uint64) *CPU
	CPULocalFor(workerID uint64) *CPU
}
