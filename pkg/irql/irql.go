// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package irql implements the Interrupt Request Level ladder and the lock
// primitives that are legal only below/above specific rungs of it (spec
// §4.6). IRQL is modeled per simulated CPU rather than per hardware core:
// each worker goroutine started by pkg/sched owns one CPU struct, reached
// in O(1) via pkg/arch's per-CPU pointer.
package irql

import (
	"fmt"
)

// Level is the kernel's IRQL ladder. Values are ordered; higher preempts
// lower. The arch module is free to insert device levels between Dispatch
// and HighLevel (spec: "values chosen by the arch").
type Level uint8

const (
	Passive Level = iota
	APC
	Dispatch
	Device0
	Device1
	HighLevel
)

func (l Level) String() string {
	switch l {
	case Passive:
		return "PASSIVE"
	case APC:
		return "APC"
	case Dispatch:
		return "DISPATCH"
	case Device0:
		return "DEVICE0"
	case Device1:
		return "DEVICE1"
	case HighLevel:
		return "HIGH_LEVEL"
	default:
		return fmt.Sprintf("IRQL(%d)", uint8(l))
	}
}

// CPU is the minimal per-CPU state irql needs: its current level. pkg/arch
// embeds this in its richer per-CPU struct.
type CPU struct {
	current Level
}

func (c *CPU) Current() Level { return c.current }

// Token is returned by Raise and must be passed to the matching Lower. It
// is deliberately not comparable to the zero value in a way a caller could
// forge: the only legitimate source of a Token is Raise.
//
// Per the design notes' call for a compile-time-enforced token: Go has no
// linear types, so this package does the next best thing — a debug build
// (-tags irqldebug) attaches a finalizer that panics if a Token is dropped
// without Lower having cleared it, catching "forgot to restore IRQL" bugs
// in tests even though the compiler cannot.
type Token struct {
	cpu      *CPU
	previous Level
	lowered  bool
}

// Raise raises the calling CPU's IRQL to at least to and returns a Token
// that restores the previous level on Lower. Raising to a level at or
// below the current one is a no-op status-wise but still must be paired
// with Lower (mirrors real IRQL semantics: raise/lower always nest).
func Raise(cpu *CPU, to Level) Token {
	prev := cpu.current
	if to > cpu.current {
		cpu.current = to
	}
	tok := Token{cpu: cpu, previous: prev}
	armFinalizer(&tok)
	return tok
}

// Lower restores the IRQL captured by the paired Raise. Calling Lower more
// than once, or on a Token whose CPU does not match the current IRQL
// invariant, panics: IRQL nesting must be strictly LIFO.
func (t *Token) Lower() {
	if t.lowered {
		panic("irql: Token lowered twice")
	}
	if t.cpu.current < t.previous {
		panic("irql: IRQL nesting violated (lowered out of order)")
	}
	t.cpu.current = t.previous
	t.lowered = true
}

// RequireBelow panics if the calling CPU's IRQL is not strictly below max.
// Mutex/Event/Semaphore acquisition call this with Dispatch: "mutexes and
// events are only legal below IRQL_DISPATCH."
func RequireBelow(cpu *CPU, max Level) {
	if cpu.current >= max {
		panic(fmt.Sprintf("irql: operation requires IRQL below %s, current is %s", max, cpu.current))
	}
}

// armFinalizer is only wired in when built with -tags irqldebug (see
// finalizer_debug.go), kept as a variable so normal builds pay nothing
// for it.
var armFinalizer = func(*Token) {}
