// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/obos-dev/kernel/pkg/arch"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vmm"
)

// VirtualAlloc reserves/commits size bytes in pid's address space
// (spec.md §6.3 "virtual-alloc"), optionally file-backed.
func (t *Table) VirtualAlloc(ctx context.Context, pid uint64, hint pmm.VirtAddr, size uintptr, prot arch.Prot, flags vmm.Flags, file vmm.File, fileOffset int64) (pmm.VirtAddr, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	if size == 0 || size > maxCopySize*4096 {
		return 0, status.New(status.InvalidArgument, "syscall: virtual-alloc size out of bounds")
	}
	return pc.VM.Alloc(ctx, hint, size, prot, flags, file, fileOffset)
}

// VirtualFree releases a previously-allocated region (spec.md §6.3
// "virtual-free").
func (t *Table) VirtualFree(pid uint64, base pmm.VirtAddr, size uintptr) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	return pc.VM.Free(base, size)
}

// VirtualProtect changes a region's protection bits (spec.md §6.3
// "virtual-protect").
func (t *Table) VirtualProtect(pid uint64, base pmm.VirtAddr, size uintptr, prot arch.Prot, pageable bool) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	return pc.VM.Protect(base, size, prot, pageable)
}

// MapViewOfUserMemory is the syscall set's namesake bounded mapping
// operation (spec.md §4.8, §6.3 "map-view-of-user-memory"): a
// size-bounded, file-backed private mapping into pid's own address
// space — the same codepath VirtualAlloc's file-backed case uses, kept
// as its own entry point because spec.md §4.8 singles it out as the
// operation whose size bound this package's copy helpers model.
// Anonymous (non-file-backed) sources are refused: there is no page
// cache to fault pages in from, so the mapping could never be made
// coherent with whatever it was meant to view.
func (t *Table) MapViewOfUserMemory(ctx context.Context, pid uint64, file vmm.File, fileOffset int64, size uintptr, prot arch.Prot) (pmm.VirtAddr, status.Status) {
	if size == 0 || size > maxCopySize {
		return 0, status.New(status.InvalidArgument, "syscall: map-view-of-user-memory size out of bounds")
	}
	if file == nil {
		return 0, status.New(status.InvalidArgument, "syscall: map-view-of-user-memory requires a file-backed source")
	}
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	return pc.VM.Alloc(ctx, 0, size, prot, vmm.Private, file, fileOffset)
}
