// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irql

import (
	"context"
	"sync"
)

// Spinlock captures a minimum IRQL (default Dispatch-1, i.e. APC) on
// acquire and restores it on release, preventing preemption by anything at
// or below that level on the same CPU (spec §4.6 "IRQL").
type Spinlock struct {
	minIRQL Level
	mu      sync.Mutex
}

func NewSpinlock(minIRQL Level) *Spinlock {
	if minIRQL == Passive {
		minIRQL = APC
	}
	return &Spinlock{minIRQL: minIRQL}
}

// Acquire raises the calling CPU to the lock's minimum IRQL and takes the
// lock. The returned Token must be passed to Release.
func (s *Spinlock) Acquire(cpu *CPU) Token {
	tok := Raise(cpu, s.minIRQL)
	s.mu.Lock()
	return tok
}

func (s *Spinlock) Release(tok Token) {
	s.mu.Unlock()
	tok.Lower()
}

// Mutex is legal only below IRQL_DISPATCH (spec §4.6). It is built directly
// on a synchronization-style WaitableHeader (notifyAll=false): the header
// starts signaled ("free"), Acquire consumes the signal (or queues), Release
// re-signals it for the next waiter or, if none, leaves it free.
type Mutex struct {
	hdr *WaitableHeader
}

func NewMutex() *Mutex {
	m := &Mutex{hdr: NewWaitableHeader(false)}
	m.hdr.Signal()
	return m
}

func (m *Mutex) Acquire(ctx context.Context, cpu *CPU) WaitResult {
	RequireBelow(cpu, Dispatch)
	return m.hdr.Wait(ctx)
}

func (m *Mutex) Release() {
	m.hdr.Signal()
}

// Event is a notification (ManualReset) or synchronization (AutoReset)
// waitable, legal only below IRQL_DISPATCH when waited on from thread
// context (spec §4.6, §3 "Waitable header").
type Event struct {
	hdr *WaitableHeader
}

func NewEvent(manualReset bool) *Event {
	return &Event{hdr: NewWaitableHeader(manualReset)}
}

func (e *Event) Wait(ctx context.Context, cpu *CPU) WaitResult {
	RequireBelow(cpu, Dispatch)
	return e.hdr.Wait(ctx)
}

func (e *Event) Set()                    { e.hdr.Signal() }
func (e *Event) Reset()                  { e.hdr.Reset() }
func (e *Event) Header() *WaitableHeader { return e.hdr }
func (e *Event) Abort()                  { e.hdr.AbortWaitingThreads() }

// Semaphore permits up to max concurrent holders.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	max     int
	waiters []chan struct{}
}

func NewSemaphore(initial, max int) *Semaphore {
	return &Semaphore{count: initial, max: max}
}

func (s *Semaphore) Acquire(ctx context.Context, cpu *CPU) WaitResult {
	RequireBelow(cpu, Dispatch)
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return WaitSuccess
	}
	ch := make(chan struct{}, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return WaitSuccess
	case <-ctx.Done():
		return WaitTimedOut
	}
}

func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- struct{}{}
		return
	}
	if s.count < s.max {
		s.count++
	}
}

// Pushlock is a reader-writer-biased lock usable at base IRQL (spec
// GLOSSARY "Pushlock"): many concurrent readers, one exclusive writer,
// writers wait for all current readers to drain.
type Pushlock struct {
	mu sync.RWMutex
}

func NewPushlock() *Pushlock { return &Pushlock{} }

func (p *Pushlock) LockShared()      { p.mu.RLock() }
func (p *Pushlock) UnlockShared()    { p.mu.RUnlock() }
func (p *Pushlock) LockExclusive()   { p.mu.Lock() }
func (p *Pushlock) UnlockExclusive() { p.mu.Unlock() }
