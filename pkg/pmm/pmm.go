// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pmm is the physical memory manager (spec.md §4.1): a frame
// allocator backed by a bitmap, with a free-list threading reclaimed runs
// so single-page allocation is O(1).
package pmm

import (
	"fmt"
	"sync"

	"github.com/obos-dev/kernel/pkg/status"
)

// PhysAddr and VirtAddr are distinct types so the compiler catches a
// physical address accidentally used where a virtual one belongs, and vice
// versa (neither carries hardware meaning here, only bookkeeping).
type PhysAddr uintptr
type VirtAddr uintptr

const (
	PageSize     = 4096
	HugePageSize = 2 * 1024 * 1024 // x86_64 2 MiB huge page, matches the amd64sim arch module
)

// Below4G is the allocation ceiling for AllocatePages32 (spec.md §4.1:
// "constrained to <4 GiB for devices lacking 64-bit DMA").
const Below4G = 1 << 32

// Manager is the frame allocator. used[i] tracks whether frame i is in
// use; freeList holds the index of every free frame, LIFO, for O(1)
// single-page reuse, mirroring the teacher's resource bookkeeping style
// (explicit mutex-guarded slice state, no lock-free cleverness).
type Manager struct {
	mu       sync.Mutex
	total    int // frame count across the whole managed range
	used     []bool
	freeList []int // indices of free frames, LIFO
	below4GN int   // number of frames below the 4GiB boundary
}

// NewManager creates a frame allocator managing totalBytes of physical
// memory starting at physical address 0. Real boot code would derive
// totalBytes from a memory map handed off by the bootloader; here it is a
// configuration input (internal/bootcfg).
func NewManager(totalBytes uint64) *Manager {
	total := int(totalBytes / PageSize)
	m := &Manager{
		total: total,
		used:  make([]bool, total),
	}
	below4G := int(Below4G / PageSize)
	if below4G > total {
		below4G = total
	}
	m.below4GN = below4G
	m.freeList = make([]int, total)
	for i := range m.freeList {
		m.freeList[i] = total - 1 - i
	}
	return m
}

// AllocatePages allocates n contiguous pages. alignmentPages is the
// required alignment in units of PageSize (1 means no extra alignment
// requirement beyond page size). huge requests a HugePageSize-aligned run
// of exactly HugePageSize/PageSize pages (spec.md §4.1: "huge-page
// allocations require n*PAGE_SIZE == HUGE_PAGE_SIZE and that-aligned
// start").
func (m *Manager) AllocatePages(n, alignmentPages int, huge bool) (PhysAddr, status.Status) {
	return m.allocate(n, alignmentPages, huge, m.total)
}

// AllocatePages32 restricts the search to frames below the 4GiB boundary.
func (m *Manager) AllocatePages32(n, alignmentPages int) (PhysAddr, status.Status) {
	return m.allocate(n, alignmentPages, false, m.below4GN)
}

func (m *Manager) allocate(n, alignmentPages int, huge bool, ceiling int) (PhysAddr, status.Status) {
	if n <= 0 {
		return 0, status.New(status.InvalidArgument, "n must be positive")
	}
	if huge && n*PageSize != HugePageSize {
		return 0, status.New(status.InvalidArgument, "huge allocation must be exactly HUGE_PAGE_SIZE")
	}
	if alignmentPages < 1 {
		alignmentPages = 1
	}
	if huge {
		hugeAlign := HugePageSize / PageSize
		if alignmentPages < hugeAlign {
			alignmentPages = hugeAlign
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n == 1 && alignmentPages == 1 {
		if idx, ok := m.popFreeList(ceiling); ok {
			m.used[idx] = true
			return PhysAddr(idx * PageSize), status.New(status.Success, "")
		}
		return 0, status.New(status.NoSpace, "no free frame")
	}

	for start := 0; start+n <= ceiling; start += alignmentPages {
		if start%alignmentPages != 0 {
			continue
		}
		if m.runFree(start, n) {
			for i := start; i < start+n; i++ {
				m.used[i] = true
			}
			m.removeFromFreeList(start, n)
			return PhysAddr(start * PageSize), status.New(status.Success, "")
		}
	}
	return 0, status.New(status.NoSpace, fmt.Sprintf("no %d-frame run available", n))
}

func (m *Manager) runFree(start, n int) bool {
	if start < 0 || start+n > len(m.used) {
		return false
	}
	for i := start; i < start+n; i++ {
		if m.used[i] {
			return false
		}
	}
	return true
}

func (m *Manager) popFreeList(ceiling int) (int, bool) {
	for len(m.freeList) > 0 {
		idx := m.freeList[len(m.freeList)-1]
		m.freeList = m.freeList[:len(m.freeList)-1]
		if idx < ceiling && !m.used[idx] {
			return idx, true
		}
	}
	return 0, false
}

func (m *Manager) removeFromFreeList(start, n int) {
	kept := m.freeList[:0]
	for _, idx := range m.freeList {
		if idx >= start && idx < start+n {
			continue
		}
		kept = append(kept, idx)
	}
	m.freeList = kept
}

// FreePages returns n pages starting at phys to the allocator.
func (m *Manager) FreePages(phys PhysAddr, n int) status.Status {
	start := int(phys) / PageSize
	m.mu.Lock()
	defer m.mu.Unlock()
	if start < 0 || start+n > len(m.used) {
		return status.New(status.InvalidArgument, "range out of bounds")
	}
	for i := start; i < start+n; i++ {
		if !m.used[i] {
			return status.New(status.InvalidArgument, "double free detected")
		}
		m.used[i] = false
		m.freeList = append(m.freeList, i)
	}
	return status.New(status.Success, "")
}

// Stats reports coarse utilization.
type Stats struct {
	TotalFrames int
	UsedFrames  int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := 0
	for _, b := range m.used {
		if b {
			used++
		}
	}
	return Stats{TotalFrames: m.total, UsedFrames: used}
}
