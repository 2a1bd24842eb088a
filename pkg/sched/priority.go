// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the scheduler, thread and process lifecycle,
// and DPC machinery of spec.md §4.6. Each simulated CPU is one goroutine
// running cpuLoop, registered with pkg/arch via RegisterWorker so
// pkg/irql's per-CPU IRQL and pkg/arch's CPULocalFor both resolve it.
// Threads are themselves goroutines, parked on a channel handshake
// between runs so that at most one thread actually executes per CPU at a
// time — the run queue governs which parked goroutine gets to continue,
// standing in for a real context switch.
package sched

// Priority is the run-queue bucket a thread belongs to (spec.md §4.6 "Run
// queue... Priorities include REAL_TIME, HIGH, NORMAL, LOW, and IDLE").
// Lower numeric value means higher priority, so RealTime sorts first.
type Priority int

const (
	RealTime Priority = iota
	High
	Normal
	Low
	Idle

	numPriorities = int(Idle) + 1
)

func (p Priority) String() string {
	switch p {
	case RealTime:
		return "REAL_TIME"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	case Idle:
		return "IDLE"
	default:
		return "PRIORITY(?)"
	}
}

// boosted returns p raised by one bucket (never above RealTime), per
// spec.md §4.6 "Boosting is allowed on I/O completion."
func (p Priority) boosted() Priority {
	if p == RealTime {
		return RealTime
	}
	return p - 1
}
