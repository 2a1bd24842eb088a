// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package arch

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/status"
)

func TestAllocatePageTablePrepopulatesKernelMapping(t *testing.T) {
	a := NewAMD64Sim(logr.Discard())
	pt, s := a.AllocatePageTable()
	require.True(t, s.OK())

	info, s := a.QueryPageInfo(pt, KernelBase)
	require.True(t, s.OK())
	assert.True(t, info.Present)
}

func TestSetPageMappingRoundTripsThroughQueryPageInfo(t *testing.T) {
	a := NewAMD64Sim(logr.Discard())
	pt, _ := a.AllocatePageTable()

	vaddr := pmm.VirtAddr(0x4000)
	phys := pmm.PhysAddr(0x9000)
	s := a.SetPageMapping(pt, vaddr, phys, Prot{Present: true, RW: true}, false)
	require.True(t, s.OK())

	info, s := a.QueryPageInfo(pt, vaddr)
	require.True(t, s.OK())
	assert.Equal(t, phys, info.Phys)
	assert.True(t, info.Prot.RW)
}

func TestSetPageMappingNotPresentRemovesEntry(t *testing.T) {
	a := NewAMD64Sim(logr.Discard())
	pt, _ := a.AllocatePageTable()
	vaddr := pmm.VirtAddr(0x4000)

	require.True(t, a.SetPageMapping(pt, vaddr, pmm.PhysAddr(0x1000), Prot{Present: true}, false).OK())
	require.True(t, a.SetPageMapping(pt, vaddr, 0, Prot{Present: false}, false).OK())

	_, s := a.QueryPageInfo(pt, vaddr)
	assert.Equal(t, status.NotFound, s.Code())
}

func TestMapVirtFromPhysIsStableDirectMap(t *testing.T) {
	a := NewAMD64Sim(logr.Discard())
	v1 := a.MapVirtFromPhys(pmm.PhysAddr(0x1000))
	v2 := a.MapVirtFromPhys(pmm.PhysAddr(0x1000))
	assert.Equal(t, v1, v2)
	assert.NotEqual(t, v1, a.MapVirtFromPhys(pmm.PhysAddr(0x2000)))
}

func TestRegisterWorkerAndCPULocalFor(t *testing.T) {
	a := NewAMD64Sim(logr.Discard()).(*amd64sim)
	cpu := a.RegisterWorker(7)
	require.NotNil(t, cpu)
	assert.Same(t, cpu, a.CPULocalFor(7))
	assert.Same(t, cpu, a.CPULocal()) // exactly one CPU registered
}

func TestSetupThreadContextRejectsZeroStack(t *testing.T) {
	a := NewAMD64Sim(logr.Discard())
	_, s := a.SetupThreadContext(0x1000, 0, false, pmm.VirtAddr(0x2000), 0)
	assert.False(t, s.OK())
}

func TestTLBShootdownFansOutToAllRegisteredWorkers(t *testing.T) {
	a := NewAMD64Sim(logr.Discard()).(*amd64sim)
	a.RegisterWorker(1)
	a.RegisterWorker(2)

	pt, _ := a.AllocatePageTable()
	a.TLBShootdown(pt, pmm.VirtAddr(0x1000), pmm.PageSize)

	for _, id := range []uint64{1, 2} {
		select {
		case pkt := <-a.shootdownCh[id]:
			assert.Equal(t, pmm.VirtAddr(0x1000), pkt.base)
		default:
			t.Fatalf("worker %d did not receive shootdown packet", id)
		}
	}
}
