// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernelpanic is the fatal-error path (spec.md §7): a page-table
// corruption, a failed invariant assertion, or any other error a subsystem
// decides it cannot return as a status.Status goes through Halter.Fatal,
// which halts every simulated CPU goroutine, dumps a stack trace, and
// exits the process — the closest in-process analog to "stop all other
// CPUs via NMI, dump state, halt." Guard is the one intentional exception
// to "a panic is a bug": it recovers a panicking DPC or driver callback so
// a single misbehaving handler cannot take the whole simulated machine
// down, converting the recovered value to status.InternalError instead.
package kernelpanic

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/go-logr/logr"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/obos-dev/kernel/pkg/status"
)

func init() {
	// Guard recovers intentionally; without this, HandleCrash re-panics
	// after logging (its default, meant for callers that want the crash
	// to still propagate to an outer recover or crash the process).
	utilruntime.ReallyCrash = false
}

// Halter halts the simulated machine on a fatal kernel error.
type Halter struct {
	logger logr.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New constructs a Halter. Call Arm once the run context driving every
// simulated CPU goroutine exists.
func New(logger logr.Logger) *Halter {
	return &Halter{logger: logger.WithName("kernelpanic")}
}

// Arm records the run context's cancel func so Fatal can halt every
// simulated CPU goroutine started under that context.
func (h *Halter) Arm(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
}

// Fatal halts every simulated CPU (by cancelling the armed run context),
// dumps a stack trace, logs it, and exits the process with a non-zero
// status. It never returns.
func (h *Halter) Fatal(err error, keysAndValues ...interface{}) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	stack := string(buf[:n])

	h.logger.Error(err, "fatal kernel error, halting", append(keysAndValues, "stack", stack)...)
	fmt.Fprintf(os.Stderr, "fatal kernel error: %v\n%s\n", err, stack)
	os.Exit(1)
}

// Guard runs fn, recovering any panic instead of letting it escape the
// goroutine, and reports the result as a status.Status: Success if fn
// returned normally, InternalError (carrying the recovered value) if it
// panicked. Wrap driver callbacks and DPC bodies in Guard so one
// misbehaving handler cannot crash the simulated machine; every other
// panic in this module is a bug and should crash normally.
func Guard(logger logr.Logger, fn func()) (st status.Status) {
	defer utilruntime.HandleCrash(func(r interface{}) {
		logger.Error(fmt.Errorf("%v", r), "recovered panic in guarded callback")
		st = status.New(status.InternalError, fmt.Sprintf("kernelpanic: recovered: %v", r))
	})
	fn()
	return st
}
