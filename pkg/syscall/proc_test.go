// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obos-dev/kernel/pkg/sched"
	"github.com/obos-dev/kernel/pkg/vfs"
)

func TestThreadCreateReadyRunsEntry(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	done := make(chan struct{})
	h, st := tbl.ThreadCreate(pid, sched.Normal, sched.AffinityAll, func(ctx context.Context, c *sched.Control) {
		close(done)
	})
	require.True(t, st.OK())

	require.True(t, tbl.ThreadReady(pid, h).OK())
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("entry never ran")
	}
}

func TestThreadPriorityAndAffinityRoundTrip(t *testing.T) {
	tbl, s, _ := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	h, st := tbl.ThreadCreate(pid, sched.Normal, sched.AffinityAll, func(ctx context.Context, c *sched.Control) {
		c.Block(ctx, nil, false)
	})
	require.True(t, st.OK())

	require.True(t, tbl.ThreadSetPriority(pid, h, sched.High).OK())
	p, st := tbl.ThreadGetPriority(pid, h)
	require.True(t, st.OK())
	assert.Equal(t, sched.High, p)

	require.True(t, tbl.ThreadSetAffinity(pid, h, 0x3).OK())
	mask, st := tbl.ThreadGetAffinity(pid, h)
	require.True(t, st.OK())
	assert.Equal(t, uint64(0x3), mask)
}

func TestHandleTypeMismatchIsRefused(t *testing.T) {
	tbl, s, _ := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	h, st := tbl.ThreadCreate(pid, sched.Normal, sched.AffinityAll, func(ctx context.Context, c *sched.Control) {})
	require.True(t, st.OK())

	_, st = tbl.ProcessGetStatus(pid, h)
	assert.False(t, st.OK())
}

func TestProcessStartAndWaitProcessReapsChild(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	childPID, st := tbl.ProcessStart(pid, sched.Normal, sched.AffinityAll, func(ctx context.Context, c *sched.Control) {
		c.Exit(9)
	}, tbl.vfsCtx.Root, vfs.Credentials{Groups: sets.New[uint32]()})
	require.True(t, st.OK())
	assert.NotZero(t, childPID)

	reapedPID, wstatus, st := tbl.WaitProcess(ctx, pid, 0)
	require.True(t, st.OK())
	assert.Equal(t, childPID, reapedPID)
	assert.Equal(t, sched.EncodeExited(9), wstatus)

	_, st = tbl.processContext(childPID)
	assert.False(t, st.OK())
}

func TestWaitOnObjectUnblocksOnThreadExit(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	var waiterH Handle
	waiterDone := make(chan struct{})
	targetH, st := tbl.ThreadCreate(pid, sched.Normal, sched.AffinityAll, func(ctx context.Context, c *sched.Control) {})
	require.True(t, st.OK())

	waiterH, st = tbl.ThreadCreate(pid, sched.Normal, sched.AffinityAll, func(ctx context.Context, c *sched.Control) {
		tbl.WaitOnObject(ctx, c, pid, targetH)
		close(waiterDone)
	})
	require.True(t, st.OK())

	require.True(t, tbl.ThreadReady(pid, targetH).OK())
	require.True(t, tbl.ThreadReady(pid, waiterH).OK())

	select {
	case <-waiterDone:
	case <-ctx.Done():
		t.Fatal("waiter never unblocked")
	}
}
