// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"sync"

	"github.com/obos-dev/kernel/internal/kernelpanic"
	"github.com/obos-dev/kernel/pkg/irql"
)

// DPC is a callback + userdata deferred to run at IRQL_DISPATCH on a
// specific CPU (spec.md §4.6 "DPCs... used by IRQ handlers to defer work
// that must block or acquire mutexes").
type DPC struct {
	Callback func(ctx context.Context, userdata any)
	Userdata any
}

// dpcQueue is a simple FIFO; DPCs are drained in submission order, unlike
// the priority-bucketed thread run queues, since spec.md gives DPCs no
// priority concept of their own.
type dpcQueue struct {
	mu    sync.Mutex
	items []DPC
}

func (q *dpcQueue) enqueue(d DPC) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
}

// drainAll removes and returns every queued DPC; the caller runs them at
// IRQL_DISPATCH.
func (q *dpcQueue) drainAll() []DPC {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// QueueDPC schedules d to run on cpuID's next drain pass (spec.md §4.6 "A
// DPC is a callback + userdata scheduled on a specific CPU").
func (s *Scheduler) QueueDPC(cpuID int, d DPC) {
	cs := s.cpuByID(cpuID)
	if cs == nil {
		return
	}
	cs.dpcs.enqueue(d)
}

// drainDPCs runs every queued DPC for cs at IRQL_DISPATCH (spec.md §4.6
// "The scheduler drains DPCs at IRQL_DISPATCH before selecting a new
// thread").
func (s *Scheduler) drainDPCs(ctx context.Context, cs *cpuState) {
	pending := cs.dpcs.drainAll()
	if len(pending) == 0 {
		return
	}
	tok := irql.Raise(&cs.cpu.CPU, irql.Dispatch)
	defer tok.Lower()
	for _, d := range pending {
		d := d
		kernelpanic.Guard(s.logger, func() { d.Callback(ctx, d.Userdata) })
	}
}
