// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vfs"
)

// Socket creates a (domain, type) socket and installs it on a fresh
// descriptor, registering its ops/state pair for the rest of the socket
// family to reach directly (spec.md §6.3 "socket"). Reads and writes on
// the returned fd still go through the ordinary read/write IRP path
// (spec.md §4.5 "sockets participate uniformly in read/write IRPs").
func (t *Table) Socket(ctx context.Context, pid uint64, domain vfs.Domain, typ vfs.SockType) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return -1, st
	}
	ops, ok := t.socketTbl.Lookup(domain, typ)
	if !ok {
		return -1, status.New(status.InvalidArgument, "syscall: unsupported (domain, type) pair")
	}
	vn, st := vfs.NewSocketVnode(ctx, ops)
	if !st.OK() {
		return -1, st
	}
	fd := pc.FDs.InstallVnode(vn, 0)
	_, state, _ := vfs.SocketBinding(vn)
	pc.addSocket(fd, socketHandle{ops: ops, state: state})
	return fd, status.New(status.Success, "")
}

// Bind associates fd with addrBuf's local address (spec.md §6.3 socket
// family "bind").
func (t *Table) Bind(ctx context.Context, pid uint64, fd int, addrBuf []byte) status.Status {
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return st
	}
	return sh.ops.Bind(ctx, sh.state, addrBuf)
}

// Listen marks fd as willing to accept incoming connections (spec.md
// §6.3 socket family "listen").
func (t *Table) Listen(ctx context.Context, pid uint64, fd int, backlog int) status.Status {
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return st
	}
	return sh.ops.Listen(ctx, sh.state, backlog)
}

// Accept blocks for an incoming connection on fd, installing it on a new
// descriptor (spec.md §6.3 socket family "accept").
func (t *Table) Accept(ctx context.Context, pid uint64, fd int) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return -1, st
	}
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return -1, st
	}
	connState, st := sh.ops.Accept(ctx, sh.state)
	if !st.OK() {
		return -1, st
	}
	vn := vfs.NewVnodeForSocketState(sh.ops, connState)
	newFD := pc.FDs.InstallVnode(vn, 0)
	pc.addSocket(newFD, socketHandle{ops: sh.ops, state: connState})
	return newFD, status.New(status.Success, "")
}

// Connect initiates (or, for a connectionless socket, records the
// default peer of) a connection on fd (spec.md §6.3 socket family
// "connect").
func (t *Table) Connect(ctx context.Context, pid uint64, fd int, addrBuf []byte) status.Status {
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return st
	}
	return sh.ops.Connect(ctx, sh.state, addrBuf)
}

// Send writes buf to fd, optionally addressed to toBuf for a
// connectionless socket (spec.md §6.3 socket family "send").
func (t *Table) Send(ctx context.Context, pid uint64, fd int, buf []byte, toBuf []byte) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return 0, st
	}
	vn, ok := pc.FDs.Lookup(fd)
	if !ok {
		return 0, status.New(status.InvalidArgument, "syscall: bad file descriptor")
	}
	p := irp.New(irp.OpWrite, vn, nil, 0, uint64(len(buf)), irp.NewBuffer(buf, nil))
	if len(toBuf) > 0 {
		p.Sock = &irp.SockAddr{Addr: toBuf}
	}
	st = sh.ops.SubmitIRP(ctx, sh.state, p)
	return p.Bytes, st
}

// Recv reads into buf from fd, reporting the sender's address when the
// underlying socket populates one (spec.md §6.3 socket family "recv").
func (t *Table) Recv(ctx context.Context, pid uint64, fd int, buf []byte) (int, []byte, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, nil, st
	}
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return 0, nil, st
	}
	vn, ok := pc.FDs.Lookup(fd)
	if !ok {
		return 0, nil, status.New(status.InvalidArgument, "syscall: bad file descriptor")
	}
	p := irp.New(irp.OpRead, vn, nil, 0, uint64(len(buf)), irp.NewBuffer(buf, nil))
	p.Sock = &irp.SockAddr{}
	st = sh.ops.SubmitIRP(ctx, sh.state, p)
	return p.Bytes, p.Sock.Addr, st
}

// Shutdown disables further send/receive on fd per how (spec.md §6.3
// socket family "shutdown").
func (t *Table) Shutdown(ctx context.Context, pid uint64, fd int, how int) status.Status {
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return st
	}
	return sh.ops.Shutdown(ctx, sh.state, how)
}

// SetSockOpt is a Non-goal: the socket implementations underneath this
// layer carry no tunable options (spec.md §1 Non-goals "socket option
// tuning"), so this always reports Unimplemented rather than silently
// discarding the option.
func (t *Table) SetSockOpt(pid uint64, fd int, level, name int, value []byte) status.Status {
	return status.New(status.Unimplemented, "syscall: setsockopt is not implemented")
}

// GetSockOpt mirrors SetSockOpt's Non-goal.
func (t *Table) GetSockOpt(pid uint64, fd int, level, name int) ([]byte, status.Status) {
	return nil, status.New(status.Unimplemented, "syscall: getsockopt is not implemented")
}

// GetPeerName returns fd's connected peer address (spec.md §6.3 socket
// family "getpeername").
func (t *Table) GetPeerName(ctx context.Context, pid uint64, fd int) ([]byte, status.Status) {
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return nil, st
	}
	return sh.ops.GetPeerName(ctx, sh.state)
}

// GetSockName returns fd's local bound address (spec.md §6.3 socket
// family "getsockname").
func (t *Table) GetSockName(ctx context.Context, pid uint64, fd int) ([]byte, status.Status) {
	sh, st := t.socketOf(pid, fd)
	if !st.OK() {
		return nil, st
	}
	return sh.ops.GetSockName(ctx, sh.state)
}

func (t *Table) socketOf(pid uint64, fd int) (socketHandle, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return socketHandle{}, st
	}
	return pc.socket(fd)
}
