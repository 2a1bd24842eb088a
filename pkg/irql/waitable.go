// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irql

import (
	"context"
	"sync"

	"github.com/obos-dev/kernel/pkg/status"
)

// WaitResult is the status returned from a wait: success, aborted, or
// timed out (spec §4.6 "Waits").
type WaitResult int

const (
	WaitSuccess WaitResult = iota
	WaitAborted
	WaitTimedOut
)

// WaitableHeader is the common prefix of every waitable primitive (spec
// §3 "Waitable header"): a signaled flag and a list of waiting threads,
// each represented by a channel the waiter blocks on.
type WaitableHeader struct {
	mu       sync.Mutex
	signaled bool
	// notifyAll means signaling wakes every waiter (notification event);
	// false means exactly one waiter is released (synchronization event,
	// mutex, semaphore token).
	notifyAll bool
	waiters   []chan WaitResult
}

func NewWaitableHeader(notifyAll bool) *WaitableHeader {
	return &WaitableHeader{notifyAll: notifyAll}
}

// Wait blocks the calling goroutine until the header is signaled, ctx is
// canceled, or abort is called. It never requires the caller to hold an
// IRQL token below Dispatch itself, but callers (Mutex, Event) enforce
// that constraint before calling Wait.
func (h *WaitableHeader) Wait(ctx context.Context) WaitResult {
	h.mu.Lock()
	if h.signaled && !h.notifyAll {
		// Synchronization-style: consume the signal immediately, no wait.
		h.signaled = false
		h.mu.Unlock()
		return WaitSuccess
	}
	if h.signaled && h.notifyAll {
		h.mu.Unlock()
		return WaitSuccess
	}
	ch := make(chan WaitResult, 1)
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		h.removeWaiter(ch)
		return WaitTimedOut
	}
}

func (h *WaitableHeader) removeWaiter(ch chan WaitResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range h.waiters {
		if w == ch {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
}

// Signal wakes waiters per spec: "signaling wakes all (for notification
// events) or exactly one (for synchronization events/mutexes) waiter."
func (h *WaitableHeader) Signal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.notifyAll {
		h.signaled = true
		for _, w := range h.waiters {
			w <- WaitSuccess
		}
		h.waiters = nil
		return
	}
	if len(h.waiters) == 0 {
		h.signaled = true
		return
	}
	w := h.waiters[0]
	h.waiters = h.waiters[1:]
	w <- WaitSuccess
}

// Reset clears a notification event back to unsignaled manually (notify-all
// events stay signaled until explicitly reset).
func (h *WaitableHeader) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signaled = false
}

// AbortWaitingThreads wakes every current waiter with WaitAborted, per
// spec §5 "each waitable honours abort_waiting_threads(hdr)."
func (h *WaitableHeader) AbortWaitingThreads() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.waiters {
		w <- WaitAborted
	}
	h.waiters = nil
}

// WaitOnObjects waits on any of hdrs; returns the index of whichever fired
// first (spec §4.6 wait_on_objects). First-wins: on return the shared
// sub-context is cancelled, so the other waits end with WaitTimedOut and
// remove their waiters, and their results are discarded.
func WaitOnObjects(ctx context.Context, hdrs []*WaitableHeader) (int, WaitResult) {
	type fire struct {
		idx int
		res WaitResult
	}
	done := make(chan fire, len(hdrs))
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i, h := range hdrs {
		i, h := i, h
		go func() {
			r := h.Wait(subCtx)
			select {
			case done <- fire{i, r}:
			default:
			}
		}()
	}
	f := <-done
	return f.idx, f.res
}

// ToStatus maps a WaitResult to the kernel status enum.
func ToStatus(r WaitResult) status.Status {
	switch r {
	case WaitSuccess:
		return status.New(status.Success, "")
	case WaitAborted:
		return status.New(status.Aborted, "wait aborted")
	case WaitTimedOut:
		return status.New(status.TimedOut, "wait timed out")
	default:
		return status.New(status.InternalError, "unknown wait result")
	}
}
