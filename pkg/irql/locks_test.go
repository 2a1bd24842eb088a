// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinlockRaisesAndRestoresIRQL(t *testing.T) {
	cpu := &CPU{}
	lock := NewSpinlock(Dispatch)

	tok := lock.Acquire(cpu)
	assert.Equal(t, Dispatch, cpu.Current())
	lock.Release(tok)
	assert.Equal(t, Passive, cpu.Current())
}

func TestMutexSerializesHolders(t *testing.T) {
	cpu := &CPU{}
	m := NewMutex()

	require.Equal(t, WaitSuccess, m.Acquire(context.Background(), cpu))

	released := make(chan struct{})
	go func() {
		cpu2 := &CPU{}
		r := m.Acquire(context.Background(), cpu2)
		assert.Equal(t, WaitSuccess, r)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("second acquire should have blocked until Release")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after Release")
	}
}

func TestMutexAcquirePanicsAtDispatch(t *testing.T) {
	cpu := &CPU{}
	tok := Raise(cpu, Dispatch)
	defer tok.Lower()

	m := NewMutex()
	assert.Panics(t, func() {
		m.Acquire(context.Background(), cpu)
	})
}

func TestEventManualResetWakesAllWaiters(t *testing.T) {
	e := NewEvent(true)
	const n = 4
	done := make(chan WaitResult, n)
	for i := 0; i < n; i++ {
		go func() {
			cpu := &CPU{}
			done <- e.Wait(context.Background(), cpu)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	e.Set()
	for i := 0; i < n; i++ {
		require.Equal(t, WaitSuccess, <-done)
	}
}

func TestEventAutoResetWakesExactlyOne(t *testing.T) {
	e := NewEvent(false)
	const n = 3
	done := make(chan WaitResult, n)
	for i := 0; i < n; i++ {
		go func() {
			cpu := &CPU{}
			done <- e.Wait(context.Background(), cpu)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	e.Set()

	select {
	case r := <-done:
		assert.Equal(t, WaitSuccess, r)
	case <-time.After(time.Second):
		t.Fatal("no waiter woke up")
	}
	select {
	case <-done:
		t.Fatal("more than one waiter woke from a single Set")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventAbortWakesWaitersAsAborted(t *testing.T) {
	e := NewEvent(false)
	done := make(chan WaitResult, 1)
	go func() {
		cpu := &CPU{}
		done <- e.Wait(context.Background(), cpu)
	}()
	time.Sleep(10 * time.Millisecond)
	e.Abort()
	require.Equal(t, WaitAborted, <-done)
}

func TestSemaphoreLimitsConcurrentHolders(t *testing.T) {
	sem := NewSemaphore(2, 2)
	cpu := &CPU{}
	require.Equal(t, WaitSuccess, sem.Acquire(context.Background(), cpu))
	require.Equal(t, WaitSuccess, sem.Acquire(context.Background(), cpu))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, WaitTimedOut, sem.Acquire(ctx, cpu))

	sem.Release()
	require.Equal(t, WaitSuccess, sem.Acquire(context.Background(), cpu))
}

func TestPushlockAllowsConcurrentReadersExcludesWriter(t *testing.T) {
	p := NewPushlock()
	p.LockShared()
	p.LockShared()

	acquired := make(chan struct{})
	go func() {
		p.LockExclusive()
		close(acquired)
		p.UnlockExclusive()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while readers still held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	p.UnlockShared()
	p.UnlockShared()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired after readers drained")
	}
}

func TestWaitOnObjectsReturnsFirstSignaled(t *testing.T) {
	h1 := NewWaitableHeader(false)
	h2 := NewWaitableHeader(false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		h2.Signal()
	}()
	idx, res := WaitOnObjects(context.Background(), []*WaitableHeader{h1, h2})
	assert.Equal(t, 1, idx)
	assert.Equal(t, WaitSuccess, res)
}
