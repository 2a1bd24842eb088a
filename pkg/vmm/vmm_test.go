// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/arch"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/swap"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	a := arch.NewAMD64Sim(logr.Discard())
	a.(interface{ RegisterWorker(uint64) *arch.CPU }).RegisterWorker(1)
	mgr := pmm.NewManager(256 * pmm.PageSize)
	sw, err := swap.Open(logr.Discard(), "")
	require.NoError(t, err)
	t.Cleanup(func() { sw.Close() })
	ctx, s := NewContext(a, mgr, sw, 42)
	require.True(t, s.OK())
	return ctx
}

func TestAllocReturnsPageAlignedAddress(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, Prefault, nil, 0)
	require.True(t, s.OK())
	assert.Equal(t, uintptr(0), uintptr(vaddr)%pmm.PageSize)
}

func TestAllocPrefaultInstallsMapping(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, Prefault, nil, 0)
	require.True(t, s.OK())

	info, s := ctx.arch.QueryPageInfo(ctx.pt, vaddr)
	require.True(t, s.OK())
	assert.True(t, info.Present)
}

func TestFaultOnDemandPagedRegionInstallsFrame(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, 0, nil, 0)
	require.True(t, s.OK())

	s = ctx.Fault(context.Background(), vaddr, FaultRead)
	require.True(t, s.OK())

	info, s := ctx.arch.QueryPageInfo(ctx.pt, vaddr)
	require.True(t, s.OK())
	assert.True(t, info.Present)
}

func TestFaultOnUnmappedAddressReturnsPageFault(t *testing.T) {
	ctx := newTestContext(t)
	s := ctx.Fault(context.Background(), pmm.VirtAddr(0x12345000), FaultRead)
	assert.Equal(t, status.PageFault, s.Code())
}

func TestGuardPagePrependedAndSweptOnFree(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, GuardPage, nil, 0)
	require.True(t, s.OK())

	guardAddr := vaddr - pmm.PageSize
	guard, ok := ctx.tree.Get(&PageDescriptor{Vaddr: guardAddr})
	require.True(t, ok)
	assert.True(t, guard.Guard)

	s = ctx.Free(vaddr, pmm.PageSize)
	require.True(t, s.OK())

	_, ok = ctx.tree.Get(&PageDescriptor{Vaddr: guardAddr})
	assert.False(t, ok, "guard page must be swept by Free")
	_, ok = ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	assert.False(t, ok)
}

func TestFreeRejectsDoubleUseByVacatingTree(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, Prefault, nil, 0)
	require.True(t, s.OK())
	require.True(t, ctx.Free(vaddr, pmm.PageSize).OK())

	_, ok := ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	assert.False(t, ok)
}

func TestProtectTogglesWritability(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{}, Prefault, nil, 0)
	require.True(t, s.OK())

	s = ctx.Protect(vaddr, pmm.PageSize, arch.Prot{RW: true}, true)
	require.True(t, s.OK())

	d, ok := ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	require.True(t, ok)
	assert.True(t, d.Prot.RW)
}

func TestQueryAndReserveFreeRangeAvoidsOverlap(t *testing.T) {
	ctx := newTestContext(t)
	first, s := ctx.QueryAndReserveFreeRange(pmm.PageSize, 0)
	require.True(t, s.OK())

	second, s := ctx.QueryAndReserveFreeRange(pmm.PageSize, 0)
	require.True(t, s.OK())
	assert.NotEqual(t, first, second)
	assert.Greater(t, uintptr(second), uintptr(first))
}

func TestEvictThenFaultPagesBackIn(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, Prefault, nil, 0)
	require.True(t, s.OK())

	d, ok := ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	require.True(t, ok)

	s = ctx.Evict(context.Background(), d)
	require.True(t, s.OK())
	assert.True(t, d.PagedOut)
	assert.False(t, d.Prot.Present)

	s = ctx.Fault(context.Background(), vaddr, FaultRead)
	require.True(t, s.OK())
	assert.False(t, d.PagedOut)
	assert.True(t, d.Prot.Present)
}

func TestEvictRejectsNonPageableRegion(t *testing.T) {
	ctx := newTestContext(t)
	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, NonPaged|Prefault, nil, 0)
	require.True(t, s.OK())

	d, ok := ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	require.True(t, ok)

	s = ctx.Evict(context.Background(), d)
	assert.False(t, s.OK())
}

type fakeFile struct {
	frame pmm.PhysAddr
}

func (f *fakeFile) ReadPage(ctx context.Context, offset int64) (pmm.PhysAddr, status.Status) {
	return f.frame, status.New(status.Success, "")
}

func (f *fakeFile) MarkDirty(offset int64) {}

func TestPrivateFileMappingIsCOWAndWriteForks(t *testing.T) {
	ctx := newTestContext(t)
	f := &fakeFile{frame: pmm.PhysAddr(0x7000)}

	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: true}, Private, f, 0)
	require.True(t, s.OK())

	s = ctx.Fault(context.Background(), vaddr, FaultRead)
	require.True(t, s.OK())

	d, ok := ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	require.True(t, ok)
	assert.True(t, d.PrivateCOW)
	assert.Equal(t, f.frame, d.Phys)
	assert.False(t, d.Prot.RW)

	s = ctx.Fault(context.Background(), vaddr, FaultWrite)
	require.True(t, s.OK())
	assert.True(t, d.Prot.RW)
	assert.False(t, d.PrivateCOW)
}

func TestSharedFileMappingWriteMarksDirtyWithoutForking(t *testing.T) {
	ctx := newTestContext(t)
	f := &fakeFile{frame: pmm.PhysAddr(0x8000)}

	vaddr, s := ctx.Alloc(context.Background(), 0, pmm.PageSize, arch.Prot{RW: false}, 0, f, 0)
	require.True(t, s.OK())

	require.True(t, ctx.Fault(context.Background(), vaddr, FaultRead).OK())

	d, ok := ctx.tree.Get(&PageDescriptor{Vaddr: vaddr})
	require.True(t, ok)
	phys := d.Phys

	require.True(t, ctx.Fault(context.Background(), vaddr, FaultWrite).OK())
	assert.Equal(t, phys, d.Phys, "shared mapping write must not reallocate a frame")
	assert.True(t, d.Prot.RW)
	assert.True(t, d.Dirty)
}
