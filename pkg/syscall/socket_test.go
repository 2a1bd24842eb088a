// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vfs"
)

// fakeSockState is the in-process state a fakeSocketOps binds to a vnode,
// a stand-in for the real netcore UDP/TCP connection state.
type fakeSockState struct {
	local, peer []byte
	buf         []byte
}

// fakeSocketOps is a minimal vfs.SocketOps good enough to exercise the
// syscall layer's dispatch without standing up a full netcore router.
type fakeSocketOps struct{}

func (fakeSocketOps) Create(ctx context.Context) (any, status.Status) {
	return &fakeSockState{}, status.New(status.Success, "")
}

func (fakeSocketOps) Bind(ctx context.Context, state any, addr []byte) status.Status {
	state.(*fakeSockState).local = addr
	return status.New(status.Success, "")
}

func (fakeSocketOps) Connect(ctx context.Context, state any, addr []byte) status.Status {
	state.(*fakeSockState).peer = addr
	return status.New(status.Success, "")
}

func (fakeSocketOps) Listen(ctx context.Context, state any, backlog int) status.Status {
	return status.New(status.Success, "")
}

func (fakeSocketOps) Accept(ctx context.Context, state any) (any, status.Status) {
	return &fakeSockState{}, status.New(status.Success, "")
}

func (fakeSocketOps) SubmitIRP(ctx context.Context, state any, p *irp.Packet) status.Status {
	s := state.(*fakeSockState)
	switch p.Op {
	case irp.OpWrite:
		s.buf = append(s.buf, p.Buf.Bytes()[:p.Count]...)
		p.Bytes = int(p.Count)
	case irp.OpRead:
		n := copy(p.Buf.Bytes(), s.buf)
		p.Bytes = n
		if p.Sock != nil {
			p.Sock.Addr = s.peer
		}
	}
	return status.New(status.Success, "")
}

func (fakeSocketOps) Shutdown(ctx context.Context, state any, how int) status.Status {
	return status.New(status.Success, "")
}

func (fakeSocketOps) GetSockName(ctx context.Context, state any) ([]byte, status.Status) {
	return state.(*fakeSockState).local, status.New(status.Success, "")
}

func (fakeSocketOps) GetPeerName(ctx context.Context, state any) ([]byte, status.Status) {
	return state.(*fakeSockState).peer, status.New(status.Success, "")
}

func registerFakeSocket(tbl *Table) {
	tbl.socketTbl.Register(vfs.AFInet, vfs.SockDGram, fakeSocketOps{})
}

func TestSocketBindSendRecvRoundTrips(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)
	registerFakeSocket(tbl)

	fd, st := tbl.Socket(ctx, pid, vfs.AFInet, vfs.SockDGram)
	require.True(t, st.OK())

	addr := []byte{127, 0, 0, 1, 0, 53}
	require.True(t, tbl.Bind(ctx, pid, fd, addr).OK())
	require.True(t, tbl.Connect(ctx, pid, fd, addr).OK())

	n, st := tbl.Send(ctx, pid, fd, []byte("ping"), nil)
	require.True(t, st.OK())
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, from, st := tbl.Recv(ctx, pid, fd, buf)
	require.True(t, st.OK())
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, addr, from)

	got, st := tbl.GetSockName(ctx, pid, fd)
	require.True(t, st.OK())
	assert.Equal(t, addr, got)
}

func TestAcceptInstallsNewDescriptor(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)
	registerFakeSocket(tbl)

	fd, st := tbl.Socket(ctx, pid, vfs.AFInet, vfs.SockDGram)
	require.True(t, st.OK())
	require.True(t, tbl.Listen(ctx, pid, fd, 1).OK())

	connFD, st := tbl.Accept(ctx, pid, fd)
	require.True(t, st.OK())
	assert.NotEqual(t, fd, connFD)
}

func TestSocketOpsOnNonSocketFDAreRejected(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/regular.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())

	st = tbl.Bind(ctx, pid, fd, []byte{0, 0, 0, 0, 0, 0})
	assert.False(t, st.OK())
}
