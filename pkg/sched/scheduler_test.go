// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/arch"
	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

func newTestScheduler(t *testing.T, numCPUs int) (*Scheduler, context.Context) {
	t.Helper()
	a := arch.NewAMD64Sim(logr.Discard())
	s := NewScheduler(logr.Discard(), a.(arch.WorkerRegistrar), numCPUs)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, ctx
}

func waitHeader(t *testing.T, hdr *irql.WaitableHeader, timeout time.Duration) irql.WaitResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return hdr.Wait(ctx)
}

// spawn allocates a thread under proc, wires its process-side bookkeeping
// by hand (the part ProcessAppendThread would otherwise do for a
// freshly-allocated thread), and readies it.
func spawn(s *Scheduler, proc *Process, prio Priority, entry EntryFunc) *Thread {
	thr := s.ThreadAllocate(proc)
	thr.Initialize(prio, AffinityAll, entry)
	proc.mu.Lock()
	proc.threads = append(proc.threads, thr)
	proc.liveCount++
	proc.state = ProcessRunning
	proc.mu.Unlock()
	s.ThreadReady(thr)
	return thr
}

func TestThreadRunsEntryToCompletion(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := s.ProcessAllocate(nil)

	ran := make(chan struct{}, 1)
	thr := spawn(s, proc, Normal, func(ctx context.Context, c *Control) {
		ran <- struct{}{}
		c.Exit(0)
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("thread entry never ran")
	}
	assert.Equal(t, irql.WaitSuccess, waitHeader(t, thr.ExitHeader(), time.Second))
	assert.Equal(t, StateDead, thr.State())
}

func TestThreadYieldReturnsToRunQueue(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	proc := s.ProcessAllocate(nil)

	var runs int
	thr := spawn(s, proc, Normal, func(ctx context.Context, c *Control) {
		runs++
		c.Yield(ctx)
		runs++
		c.Exit(0)
	})

	require.Equal(t, irql.WaitSuccess, waitHeader(t, thr.ExitHeader(), 2*time.Second))
	assert.Equal(t, 2, runs)
}

func TestHigherPriorityBucketRunsBeforeLower(t *testing.T) {
	a := arch.NewAMD64Sim(logr.Discard())
	s := NewScheduler(logr.Discard(), a.(arch.WorkerRegistrar), 1)
	cs := s.cpus[0]

	low := &Thread{ID: 1, priority: Low, effective: Low}
	high := &Thread{ID: 2, priority: High, effective: High}
	cs.queues[int(Low)].Add(low)
	cs.queues[int(High)].Add(high)

	thr, ok := s.pickNext(cs)
	require.True(t, ok)
	assert.Equal(t, high, thr)

	thr, ok = s.pickNext(cs)
	require.True(t, ok)
	assert.Equal(t, low, thr)
}

func TestProcessStartThenWaitProcessReapsZombie(t *testing.T) {
	s, ctx := newTestScheduler(t, 2)
	parent := s.ProcessAllocate(nil)
	child := s.ProcessAllocate(parent)

	s.ProcessStart(child, Normal, AffinityAll, func(ctx context.Context, c *Control) {
		c.Exit(7)
	})

	pid, wstatus, st := s.WaitProcess(ctx, parent, 0)
	require.True(t, st.OK())
	assert.Equal(t, child.PID, pid)
	assert.Equal(t, EncodeExited(7), wstatus)
	assert.Equal(t, ProcessReaped, child.State())
}

func TestWaitProcessNoHangRetriesWhileChildRunning(t *testing.T) {
	s, ctx := newTestScheduler(t, 1)
	parent := s.ProcessAllocate(nil)
	child := s.ProcessAllocate(parent)

	block := irql.NewWaitableHeader(true)
	s.ProcessStart(child, Normal, AffinityAll, func(ctx context.Context, c *Control) {
		c.WaitOne(ctx, block)
		c.Exit(0)
	})

	_, _, st := s.WaitProcess(ctx, parent, WNoHang)
	assert.Equal(t, status.Retry, st.Code())

	block.Signal()
	_, _, st = s.WaitProcess(ctx, parent, 0)
	assert.True(t, st.OK())
}

func TestOrphanedChildIsReparentedToInit(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	parent := s.ProcessAllocate(nil)
	grandchild := s.ProcessAllocate(parent)

	s.reparentOrphans(parent)

	init := s.Init()
	init.mu.Lock()
	defer init.mu.Unlock()
	require.Len(t, init.children, 1)
	assert.Same(t, grandchild, init.children[0])
	assert.Same(t, init, grandchild.Parent)
}
