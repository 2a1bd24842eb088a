// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmm is the virtual memory manager (spec.md §4.3): Alloc, Free,
// Protect, Fault, and QueryAndReserveFreeRange over a per-address-space
// ordered tree of page descriptors.
package vmm

import (
	"context"

	"github.com/google/btree"

	"github.com/obos-dev/kernel/pkg/arch"
	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/swap"
)

// Flags enumerates the Alloc flags from spec.md §4.3.
type Flags uint32

const (
	HugePage Flags = 1 << iota
	NonPaged
	Reserve
	Prefault
	Private
	GuardPage
	Hint
	Flag32Bit
	KernelStack
)

// Address windows (spec.md §4.3 "Address windows"). Kernel contexts use
// pkg/arch's KernelBase (the canonical higher half) as their lower bound;
// UserLimit is the top of the lower half.
const (
	UserBase   pmm.VirtAddr = 0x1000
	UserLimit  pmm.VirtAddr = 0x0000_7FFF_FFFF_F000
	Window32Lo pmm.VirtAddr = 0x1000
	Window32Hi pmm.VirtAddr = 0xFFFF_F000
)

// FaultReason is why the arch trap handler invoked Fault.
type FaultReason int

const (
	FaultRead FaultReason = iota
	FaultWrite
	FaultExecute
)

// File is the minimal page-cache-backed source a mapped region may read
// from (spec.md §4.3 "File-backed and COW", "For file-backed pages without
// a cached frame, fills via the page cache on the mount's driver"). Mount
// drivers in pkg/driver implement this on open file handles.
type File interface {
	// ReadPage fills and returns the page cache's frame at offset,
	// fetching from the backing driver if not already cached.
	ReadPage(ctx context.Context, offset int64) (pmm.PhysAddr, status.Status)
	// MarkDirty is called when a non-PRIVATE mapping's page is first
	// written, so the page cache knows to write it back.
	MarkDirty(offset int64)
}

// MappedRegion describes a file-backed mapping (spec.md §4.3 "File-backed
// and COW"): file offset, size, base vaddr, and back-pointers to the file
// and the owning context.
type MappedRegion struct {
	File       File
	FileOffset int64
	Size       uintptr
	Base       pmm.VirtAddr
	Private    bool
	ctx        *Context

	// masters tracks, per file offset, the first descriptor that cached
	// that page — the "pagecache master" spec.md §4.3 describes private
	// copies as forking from. Subsequent private faults at the same
	// offset within this region link onto that master's COW sibling list
	// instead of each allocating an independent master.
	masters map[int64]*PageDescriptor
}

// PageDescriptor is the per-virtual-page entry (spec.md §3 "Page
// descriptor"). Working-set and referenced list linkage is intrusive
// (hand-rolled doubly-linked pointers) per the design notes' call to keep
// the address-keyed tree (btree) separate from the LRU lists.
type PageDescriptor struct {
	Vaddr pmm.VirtAddr
	Phys  pmm.PhysAddr // meaningful iff Present; holds a swap.ID iff IsSwapPhys

	Prot arch.Prot

	Touched    bool
	Accessed   bool
	Dirty      bool
	Pageable   bool
	Reserved   bool
	Guard      bool
	PrivateCOW bool
	PagedOut   bool

	Age uint64

	Region *MappedRegion

	wsPrev, wsNext   *PageDescriptor
	refPrev, refNext *PageDescriptor

	// cowPrev/cowNext link a private copy into its page-cache master's
	// sibling list; cowMaster is nil on the master itself.
	cowPrev, cowNext *PageDescriptor
	cowMaster        *PageDescriptor
}

func (d *PageDescriptor) Less(other *PageDescriptor) bool {
	return d.Vaddr < other.Vaddr
}

// Stats mirrors spec.md §3's per-space statistics.
type Stats struct {
	Committed uintptr
	Paged     uintptr
	Pageable  uintptr
	NonPaged  uintptr
}

// Context is an address space / VMM context (spec.md §3). Exactly one
// spinlock protects the tree and both lists, taken at an IRQL that blocks
// the scheduler (spec.md §4.3 "Concurrency").
type Context struct {
	arch  arch.Arch
	pmm   *pmm.Manager
	swap  swap.Store
	pt    arch.PageTable
	Owner int // pid; 0 means kernel

	lock *irql.Spinlock
	tree *btree.BTreeG[*PageDescriptor]

	wsHead, wsTail   *PageDescriptor
	refHead, refTail *PageDescriptor

	stats Stats
}

func less(a, b *PageDescriptor) bool { return a.Less(b) }

// NewContext creates an address space for owner (a pid). Owner 0 makes a
// kernel context, which selects which address window Alloc searches by
// default.
func NewContext(a arch.Arch, mgr *pmm.Manager, swapStore swap.Store, owner int) (*Context, status.Status) {
	pt, s := a.AllocatePageTable()
	if !s.OK() {
		return nil, s
	}
	return &Context{
		arch:  a,
		pmm:   mgr,
		swap:  swapStore,
		pt:    pt,
		Owner: owner,
		lock:  irql.NewSpinlock(irql.Dispatch),
		tree:  btree.NewG[*PageDescriptor](32, less),
	}, status.New(status.Success, "")
}

// cpu returns the calling goroutine-worker's IRQL state, reached through
// the arch module's per-CPU block (spec.md §4.2 "per-CPU pointer reachable
// in O(1) from any context").
func (c *Context) cpu() *irql.CPU {
	return &c.arch.CPULocal().CPU
}

func (c *Context) isKernel() bool { return c.Owner == 0 }

func (c *Context) window() (lo, hi pmm.VirtAddr) {
	if c.isKernel() {
		return arch.KernelBase, ^pmm.VirtAddr(0)
	}
	return UserBase, UserLimit
}

func effectivePageSize(flags Flags) uintptr {
	if flags&HugePage != 0 {
		return pmm.HugePageSize
	}
	return pmm.PageSize
}

func roundUp(size uintptr, pageSize uintptr) uintptr {
	if size == 0 {
		return pageSize
	}
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Alloc implements spec.md §4.3's alloc operation.
func (c *Context) Alloc(ctx context.Context, hint pmm.VirtAddr, size uintptr, prot arch.Prot, flags Flags, file File, fileOffset int64) (pmm.VirtAddr, status.Status) {
	pageSize := effectivePageSize(flags)
	size = roundUp(size, pageSize)

	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)

	lo, hi := c.window()
	if flags&Flag32Bit != 0 {
		lo, hi = Window32Lo, Window32Hi
	}

	guardPages := uintptr(0)
	if flags&GuardPage != 0 {
		guardPages = pmm.PageSize
	}

	total := size + guardPages
	base, s := c.findFreeRangeLocked(lo, hi, total, hint, flags&Hint != 0)
	if !s.OK() {
		return 0, s
	}
	regionBase := base + pmm.VirtAddr(guardPages)

	if guardPages > 0 {
		guard := &PageDescriptor{Vaddr: base, Reserved: true, Guard: true}
		c.tree.ReplaceOrInsert(guard)
	}

	var region *MappedRegion
	if file != nil {
		region = &MappedRegion{File: file, FileOffset: fileOffset, Size: size, Base: regionBase, Private: flags&Private != 0, ctx: c}
	}

	for off := uintptr(0); off < size; off += pageSize {
		d := &PageDescriptor{
			Vaddr:      regionBase + pmm.VirtAddr(off),
			Prot:       prot,
			Pageable:   flags&NonPaged == 0 && flags&KernelStack == 0,
			PrivateCOW: region != nil && region.Private,
			Region:     region,
		}
		c.tree.ReplaceOrInsert(d)
		c.stats.Committed += pageSize
		if d.Pageable {
			c.stats.Pageable += pageSize
		} else {
			c.stats.NonPaged += pageSize
		}

		if flags&Prefault != 0 && region == nil {
			if s := c.installFreshFrameLocked(d, prot); !s.OK() {
				return 0, s
			}
		}
	}
	return regionBase, status.New(status.Success, "")
}

func (c *Context) installFreshFrameLocked(d *PageDescriptor, prot arch.Prot) status.Status {
	phys, s := c.pmm.AllocatePages(1, 1, d.Prot.Huge)
	if !s.OK() {
		return s
	}
	d.Phys = phys
	d.Prot.Present = true
	d.Prot.RW = prot.RW
	c.pushWorkingSetLocked(d)
	return c.arch.SetPageMapping(c.pt, d.Vaddr, phys, d.Prot, false)
}

// findFreeRangeLocked is shared by Alloc and QueryAndReserveFreeRange: scan
// the tree for the lowest gap >= need within [lo, hi), honoring hint when
// requested and not overridden by the relocation-allowed Hint flag.
func (c *Context) findFreeRangeLocked(lo, hi pmm.VirtAddr, need uintptr, hint pmm.VirtAddr, allowRelocate bool) (pmm.VirtAddr, status.Status) {
	if hint != 0 && hint >= lo && hint+pmm.VirtAddr(need) <= hi {
		if c.rangeFreeLocked(hint, need) {
			return hint, status.New(status.Success, "")
		}
		if !allowRelocate {
			return 0, status.New(status.NoSpace, "hinted range unavailable and relocation not permitted")
		}
	}

	cursor := lo
	var found pmm.VirtAddr
	ok := false
	c.tree.AscendRange(&PageDescriptor{Vaddr: lo}, &PageDescriptor{Vaddr: hi}, func(d *PageDescriptor) bool {
		if d.Vaddr > cursor && pmm.VirtAddr(need) <= d.Vaddr-cursor {
			found, ok = cursor, true
			return false
		}
		cursor = d.Vaddr + pmm.VirtAddr(pageSpan(d))
		return true
	})
	if !ok {
		if hi-cursor >= pmm.VirtAddr(need) {
			found, ok = cursor, true
		}
	}
	if !ok {
		return 0, status.New(status.NoSpace, "no free virtual range")
	}
	return found, status.New(status.Success, "")
}

func pageSpan(d *PageDescriptor) uintptr {
	if d.Prot.Huge {
		return pmm.HugePageSize
	}
	return pmm.PageSize
}

func (c *Context) rangeFreeLocked(base pmm.VirtAddr, size uintptr) bool {
	free := true
	c.tree.AscendRange(&PageDescriptor{Vaddr: base}, &PageDescriptor{Vaddr: base + pmm.VirtAddr(size)}, func(d *PageDescriptor) bool {
		free = false
		return false
	})
	return free
}

// QueryAndReserveFreeRange implements spec.md §4.3's operation of the same
// name: finds a gap of size+page and reserves it with placeholder
// descriptors (Reserved=true), one per page, so a concurrent Alloc cannot
// race into it.
func (c *Context) QueryAndReserveFreeRange(size uintptr, flags Flags) (pmm.VirtAddr, status.Status) {
	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)

	lo, hi := c.window()
	need := size + pmm.PageSize
	base, s := c.findFreeRangeLocked(lo, hi, need, 0, true)
	if !s.OK() {
		return 0, s
	}
	for off := uintptr(0); off < need; off += pmm.PageSize {
		c.tree.ReplaceOrInsert(&PageDescriptor{Vaddr: base + pmm.VirtAddr(off), Reserved: true})
	}
	return base, status.New(status.Success, "")
}

// Free implements spec.md §4.3's free operation.
func (c *Context) Free(base pmm.VirtAddr, size uintptr) status.Status {
	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)

	sweepBase := base
	if base >= pmm.PageSize {
		if guard, ok := c.tree.Get(&PageDescriptor{Vaddr: base - pmm.PageSize}); ok && guard.Guard {
			sweepBase = guard.Vaddr
			c.tree.Delete(guard)
		}
	}

	var toDelete []*PageDescriptor
	c.tree.AscendRange(&PageDescriptor{Vaddr: sweepBase}, &PageDescriptor{Vaddr: base + pmm.VirtAddr(size)}, func(d *PageDescriptor) bool {
		toDelete = append(toDelete, d)
		return true
	})

	for _, d := range toDelete {
		c.tree.Delete(d)
		c.unlinkWorkingSetLocked(d)
		c.unlinkReferencedLocked(d)
		span := pageSpan(d)
		if d.Prot.Present {
			c.stats.Committed -= span
			if d.Pageable {
				c.stats.Pageable -= span
			} else {
				c.stats.NonPaged -= span
			}
		}
		c.releaseFrameLocked(d)
	}
	c.arch.TLBShootdown(c.pt, base, size)
	return status.New(status.Success, "")
}

// releaseFrameLocked frees d's physical frame unless it is still owned by
// the page cache (non-PRIVATE mapping) or held by a COW sibling (spec.md
// §4.3 "physical frames are freed unless still owned by the page cache or
// held by a COW sibling").
func (c *Context) releaseFrameLocked(d *PageDescriptor) {
	if !d.Prot.Present || d.Prot.IsSwapPhys {
		return
	}
	if d.Region != nil && !d.Region.Private {
		return
	}
	if d.cowMaster != nil {
		c.unlinkCOWLocked(d)
	}
	if d.PrivateCOW {
		return // an unwritten private page still maps the page cache's frame
	}
	if d.cowNext != nil {
		return // still the master of at least one outstanding private copy
	}
	c.pmm.FreePages(d.Phys, 1)
}

// Protect implements spec.md §4.3's protect operation.
func (c *Context) Protect(base pmm.VirtAddr, size uintptr, prot arch.Prot, pageable bool) status.Status {
	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)

	var touched bool
	c.tree.AscendRange(&PageDescriptor{Vaddr: base}, &PageDescriptor{Vaddr: base + pmm.VirtAddr(size)}, func(d *PageDescriptor) bool {
		d.Prot.RW = prot.RW
		d.Prot.Executable = prot.Executable
		d.Prot.User = prot.User
		d.Pageable = pageable
		if d.Prot.Present {
			c.arch.SetPageMapping(c.pt, d.Vaddr, d.Phys, d.Prot, false)
		}
		touched = true
		return true
	})
	if !touched {
		return status.New(status.NotFound, "no descriptor in range")
	}
	c.arch.TLBShootdown(c.pt, base, size)
	return status.New(status.Success, "")
}

// Fault implements spec.md §4.3's fault operation, consulted by the arch
// trap handler.
func (c *Context) Fault(ctx context.Context, addr pmm.VirtAddr, reason FaultReason) status.Status {
	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)

	aligned := pmm.VirtAddr(uintptr(addr) &^ (pmm.PageSize - 1))
	d, ok := c.tree.Get(&PageDescriptor{Vaddr: aligned})
	if !ok {
		return status.New(status.PageFault, "no descriptor for address")
	}
	if d.Reserved {
		return status.New(status.AccessDenied, "fault on reserved/guard range")
	}
	if d.Prot.Present {
		if reason == FaultWrite && !d.Prot.RW {
			if d.PrivateCOW {
				return c.resolveCOWWriteLocked(ctx, d)
			}
			if d.Region != nil && !d.Region.Private {
				d.Prot.RW = true
				d.Dirty = true
				d.Region.File.MarkDirty(d.Region.FileOffset + int64(d.Vaddr-d.Region.Base))
				return c.arch.SetPageMapping(c.pt, d.Vaddr, d.Phys, d.Prot, false)
			}
			return status.New(status.AccessDenied, "write fault on read-only mapping")
		}
		return status.New(status.AccessDenied, "access rights violated")
	}

	if d.Prot.IsSwapPhys {
		return c.pageInLocked(ctx, d)
	}
	if d.Region != nil {
		return c.fillFromFileLocked(ctx, d)
	}
	return c.installFreshFrameLocked(d, d.Prot)
}

func (c *Context) resolveCOWWriteLocked(ctx context.Context, d *PageDescriptor) status.Status {
	phys, s := c.pmm.AllocatePages(1, 1, false)
	if !s.OK() {
		return s
	}
	if d.cowMaster != nil {
		master := d.cowMaster
		srcKernel := c.arch.MapVirtFromPhys(master.Phys)
		dstKernel := c.arch.MapVirtFromPhys(phys)
		copyFrame(dstKernel, srcKernel)
		c.unlinkCOWLocked(d)
	} else {
		// d is itself the master, still mapping the page cache's frame:
		// copy that frame to a new page so the write never reaches the
		// page cache and any existing copies keep reading the old contents.
		srcKernel := c.arch.MapVirtFromPhys(d.Phys)
		dstKernel := c.arch.MapVirtFromPhys(phys)
		copyFrame(dstKernel, srcKernel)
	}
	d.Phys = phys
	d.Prot.Present = true
	d.Prot.RW = true
	d.PrivateCOW = false
	d.Dirty = true
	c.pushWorkingSetLocked(d)
	return c.arch.SetPageMapping(c.pt, d.Vaddr, phys, d.Prot, false)
}

// copyFrame stands in for a real frame-to-frame memcpy through the direct
// map; amd64sim's direct map is not backed by real memory, so this is a
// documented no-op in simulation rather than a fabricated byte copy.
func copyFrame(dst, src pmm.VirtAddr) {}

func (c *Context) fillFromFileLocked(ctx context.Context, d *PageDescriptor) status.Status {
	region := d.Region
	phys, s := region.File.ReadPage(ctx, region.FileOffset+int64(d.Vaddr-region.Base))
	if !s.OK() {
		return s
	}
	offset := region.FileOffset + int64(d.Vaddr-region.Base)
	if region.Private {
		d.PrivateCOW = true
		d.Phys = phys
		d.Prot.Present = true
		d.Prot.RW = false

		if region.masters == nil {
			region.masters = make(map[int64]*PageDescriptor)
		}
		if master, ok := region.masters[offset]; ok && master != d {
			c.linkCOWLocked(master, d)
		} else {
			region.masters[offset] = d
		}
	} else {
		d.Phys = phys
		d.Prot.Present = true
	}
	c.pushWorkingSetLocked(d)
	return c.arch.SetPageMapping(c.pt, d.Vaddr, phys, d.Prot, false)
}

func (c *Context) pageInLocked(ctx context.Context, d *PageDescriptor) status.Status {
	id := swap.ID(d.Phys)
	frame, s := c.swap.ReadIn(ctx, id)
	if !s.OK() {
		return s
	}
	phys, s := c.pmm.AllocatePages(1, 1, false)
	if !s.OK() {
		return s
	}
	_ = frame // real arch would memcpy frame into the fresh physical page
	d.Phys = phys
	d.Prot.Present = true
	d.Prot.IsSwapPhys = false
	d.PagedOut = false
	c.pushWorkingSetLocked(d)
	c.swap.Release(ctx, id)
	return c.arch.SetPageMapping(c.pt, d.Vaddr, phys, d.Prot, false)
}

// Evict moves a pageable descriptor to swap (spec.md §4.3 "Swap
// (optional)"). Fault and Alloc never call it, and this module has no
// evictor of its own: a page is swapped out only when a caller invokes Evict.
func (c *Context) Evict(ctx context.Context, d *PageDescriptor) status.Status {
	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)
	if !d.Pageable || !d.Prot.Present {
		return status.New(status.InvalidOperation, "descriptor is not an evictable resident page")
	}
	frame := make([]byte, pmm.PageSize) // placeholder: real arch would read through the direct map
	id, s := c.swap.WriteOut(ctx, frame)
	if !s.OK() {
		return s
	}
	c.unlinkWorkingSetLocked(d)
	c.pmm.FreePages(d.Phys, 1)
	d.Phys = pmm.PhysAddr(id)
	d.Prot.Present = false
	d.Prot.IsSwapPhys = true
	d.PagedOut = true
	return c.arch.SetPageMapping(c.pt, d.Vaddr, 0, arch.Prot{}, false)
}

// Snapshot returns a copy of the context's current stats.
func (c *Context) Snapshot() Stats {
	tok := c.lock.Acquire(c.cpu())
	defer c.lock.Release(tok)
	return c.stats
}
