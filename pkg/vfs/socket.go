// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"context"

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/status"
)

// Domain and Type/Protocol identify a socket ops table entry (spec.md
// §4.5 "Socket ops form a table keyed by (domain, type|protocol)").
type Domain int

const (
	AFInet Domain = iota
	AFUnix
)

type SockType int

const (
	SockStream SockType = iota
	SockDGram
)

// SocketOps is the vtable a (domain, type) pair dispatches to (spec.md
// §3 Socket descriptor: "a vtable of operations
// (create/accept/bind/connect/listen/submit_irp/shutdown/getsockname/
// getpeername)"). pkg/netcore provides the UDP and TCP implementations;
// no AF_UNIX implementation exists in this module. This package only
// owns the registration table and the vnode wiring.
type SocketOps interface {
	Create(ctx context.Context) (any, status.Status)
	Bind(ctx context.Context, state any, addr []byte) status.Status
	Connect(ctx context.Context, state any, addr []byte) status.Status
	Listen(ctx context.Context, state any, backlog int) status.Status
	Accept(ctx context.Context, state any) (any, status.Status)
	SubmitIRP(ctx context.Context, state any, p *irp.Packet) status.Status
	Shutdown(ctx context.Context, state any, how int) status.Status
	GetSockName(ctx context.Context, state any) ([]byte, status.Status)
	GetPeerName(ctx context.Context, state any) ([]byte, status.Status)
}

// SocketTable maps (domain, type) to the ops implementation handling it
// (spec.md §4.5: "Currently mandated: AF_INET/{SOCK_DGRAM->UDP,
// SOCK_STREAM->TCP}, AF_UNIX/{SOCK_STREAM, SOCK_DGRAM}").
type SocketTable struct {
	ops map[[2]int]SocketOps
}

func NewSocketTable() *SocketTable {
	return &SocketTable{ops: make(map[[2]int]SocketOps)}
}

func (t *SocketTable) Register(domain Domain, typ SockType, ops SocketOps) {
	t.ops[[2]int{int(domain), int(typ)}] = ops
}

func (t *SocketTable) Lookup(domain Domain, typ SockType) (SocketOps, bool) {
	ops, ok := t.ops[[2]int{int(domain), int(typ)}]
	return ops, ok
}

// NewSocketVnode creates a SOCK-typed vnode backed by ops's Create,
// so the socket participates in read/write IRPs uniformly with every
// other vnode (spec.md §4.5 "Sockets participate uniformly in
// read/write IRPs").
func NewSocketVnode(ctx context.Context, ops SocketOps) (*Vnode, status.Status) {
	state, st := ops.Create(ctx)
	if !st.OK() {
		return nil, st
	}
	vn := NewVnode(driver.FileTypeSocket, 0o600, 0, 0)
	vn.Socket = socketBinding{ops: ops, state: state}
	return vn, status.New(status.Success, "")
}

// NewVnodeForSocketState wraps an already-created socket state (e.g. the
// connection Accept hands back) in a SOCK vnode, the way NewSocketVnode
// does for a freshly Create'd one.
func NewVnodeForSocketState(ops SocketOps, state any) *Vnode {
	vn := NewVnode(driver.FileTypeSocket, 0o600, 0, 0)
	vn.Socket = socketBinding{ops: ops, state: state}
	return vn
}

type socketBinding struct {
	ops   SocketOps
	state any
}

// SocketBinding returns a socket vnode's bound ops and state, so a
// caller holding only the fd (and the vnode behind it) can reach
// bind/connect/listen/accept/shutdown/getsockname/getpeername directly
// instead of through a read/write IRP — the syscall layer's socket
// family calls need exactly this.
func SocketBinding(vn *Vnode) (SocketOps, any, bool) {
	b, ok := vn.Socket.(socketBinding)
	if !ok {
		return nil, nil, false
	}
	return b.ops, b.state, true
}

// socketSubmitter adapts a vnode's bound socket into an irp.Submitter
// so fdIO can drive it through the same Drive() call path as any other
// driver-backed vnode.
type socketSubmitter struct {
	binding socketBinding
}

func (s socketSubmitter) SubmitIRP(ctx context.Context, p *irp.Packet) status.Status {
	return s.binding.ops.SubmitIRP(ctx, s.binding.state, p)
}

func (s socketSubmitter) FinalizeIRP(ctx context.Context, p *irp.Packet) {}
