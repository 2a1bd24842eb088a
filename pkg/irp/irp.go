// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package irp implements the I/O request packet lifecycle of spec.md
// §4.4 and §8 property 7: a caller fills in a Packet, calls Submit, waits
// on whatever the driver armed, drives the driver's completion callback
// through an IRP_RETRY loop, and finalizes exactly once. Grounded on the
// teacher's worker/backoff retry discipline formerly in internal/intake,
// widened from a single retryable call to a bounded wait-then-callback
// loop.
package irp

import (
	"context"
	"sync/atomic"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// Op is the operation an IRP carries (spec.md §3 "IRP").
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Buffer is a shared-ownership, refcounted reference to an IRP's data
// buffer (spec.md Design Notes' "shared-ownership smart reference"
// strategy for cross-thread IRP buffers). Ref/Unref pairs must balance;
// the underlying slice is only released once the last reference drops.
type Buffer struct {
	data    []byte
	refs    atomic.Int32
	release func([]byte)
}

// NewBuffer wraps data with an initial refcount of one. release, if
// non-nil, is invoked once the refcount returns to zero.
func NewBuffer(data []byte, release func([]byte)) *Buffer {
	b := &Buffer{data: data, release: release}
	b.refs.Store(1)
	return b
}

func (b *Buffer) Ref() *Buffer {
	b.refs.Add(1)
	return b
}

// Unref drops a reference, releasing the backing data once the count
// reaches zero. Double-unref past zero is a driver bug; it is reported
// rather than silently tolerated.
func (b *Buffer) Unref() status.Status {
	n := b.refs.Add(-1)
	if n < 0 {
		b.refs.Add(1)
		return status.New(status.InvalidOperation, "irp: buffer unref past zero")
	}
	if n == 0 && b.release != nil {
		b.release(b.data)
	}
	return status.New(status.Success, "")
}

func (b *Buffer) Bytes() []byte { return b.data }

// SockAddr carries the socket-specific fields spec.md §3 lists on an IRP
// ("socket-specific fields {flags, sockaddr blob, length}").
type SockAddr struct {
	Flags int
	Addr  []byte
}

// Callback is the driver's on-event-set hook: inspect the packet's
// result and either consume it (return any status other than IRP_RETRY)
// or request another wait/callback round by returning IsIRPRetry(status)
// == true.
type Callback func(ctx context.Context, p *Packet) status.Status

// Packet is the in-core representation of spec.md §3's IRP: "target
// vnode and device descriptor; operation; block offset and count;
// buffer pointer; dryOp flag; status; bytes-transferred; optional event
// to wait on; optional on-event-set callback; socket-specific fields;
// optional driver-private data pointer; optional cancellation/detach
// event; refcount."
type Packet struct {
	Vnode  any
	Device any

	Op          Op
	Offset      uint64
	Count       uint64
	Buf         *Buffer
	DryOp       bool
	Sock        *SockAddr
	PrivateData any

	Status status.Status
	Bytes  int

	// completion is signaled by the driver when the operation (or one
	// round of it) is ready for Callback to inspect. Left nil for a
	// synchronous driver that finishes entirely inside SubmitIRP.
	completion *irql.WaitableHeader
	// detach, when signaled before completion, aborts the wait with
	// ABORTED (spec.md §4.6 "detach_event... races with the completion
	// event; whichever signals first terminates the wait").
	detach *irql.WaitableHeader

	callback Callback

	refs atomic.Int32
}

// New allocates a packet with an initial refcount of one.
func New(op Op, vnode, device any, offset, count uint64, buf *Buffer) *Packet {
	p := &Packet{
		Vnode:  vnode,
		Device: device,
		Op:     op,
		Offset: offset,
		Count:  count,
		Buf:    buf,
	}
	p.refs.Store(1)
	return p
}

func (p *Packet) Ref() *Packet {
	p.refs.Add(1)
	return p
}

func (p *Packet) Unref() status.Status {
	n := p.refs.Add(-1)
	if n < 0 {
		p.refs.Add(1)
		return status.New(status.InvalidOperation, "irp: packet unref past zero")
	}
	return status.New(status.Success, "")
}

func (p *Packet) RefCount() int32 { return p.refs.Load() }

// ArmEvent is called by a driver's SubmitIRP to request an asynchronous
// completion wait instead of finishing synchronously. cb is invoked once
// the completion header fires (or loops while cb requests IRP_RETRY).
func (p *Packet) ArmEvent(cb Callback) *irql.WaitableHeader {
	p.completion = irql.NewWaitableHeader(false)
	p.callback = cb
	return p.completion
}

// ArmDetach installs a cancellation event that, when signaled first,
// aborts the wait regardless of completion state (spec.md §4.6, used by
// USB device removal to cancel outstanding IRPs).
func (p *Packet) ArmDetach() *irql.WaitableHeader {
	p.detach = irql.NewWaitableHeader(false)
	return p.detach
}

func (p *Packet) DetachHeader() *irql.WaitableHeader { return p.detach }
