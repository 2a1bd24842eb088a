// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obos-dev/kernel/pkg/arch"
	"github.com/obos-dev/kernel/pkg/blockdev/ramdisk"
	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/netcore"
	"github.com/obos-dev/kernel/pkg/pmm"
	"github.com/obos-dev/kernel/pkg/sched"
	"github.com/obos-dev/kernel/pkg/swap"
	"github.com/obos-dev/kernel/pkg/vfs"
)

// fakeLink is a minimal netcore.Link that never actually transmits,
// enough to let a Table own a named Interface for the hostname/ioctl
// tests below.
type fakeLink struct{ recv chan []byte }

func newFakeLink() *fakeLink { return &fakeLink{recv: make(chan []byte, 1)} }

func (l *fakeLink) Send(frame []byte) error { return nil }
func (l *fakeLink) Recv() <-chan []byte     { return l.recv }

func newTestTable(t *testing.T) (*Table, *sched.Scheduler, context.Context) {
	t.Helper()

	a := arch.NewAMD64Sim(logr.Discard())
	s := sched.NewScheduler(logr.Discard(), a.(arch.WorkerRegistrar), 1)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	rd, err := ramdisk.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { rd.Close() })
	registry := driver.NewRegistry(logr.Discard())
	require.NoError(t, registry.RegisterFSDriver("ramdisk", rd))
	require.NoError(t, registry.RegisterBlockDevice("ramdisk", rd))
	rootVnode := vfs.NewVnode(driver.FileTypeDirectory, 0o755, 0, 0)
	vfsCtx := vfs.NewContext(logr.Discard(), registry, rootVnode)
	deviceVnode := vfs.NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)
	_, st := vfsCtx.Mount(ctx, vfsCtx.Root, deviceVnode, rd)
	require.True(t, st.OK())

	socketTbl := vfs.NewSocketTable()
	router := netcore.NewRouter(logr.Discard())
	router.AttachInterface(netcore.NewInterface("eth0", netcore.MACAddr{}, newFakeLink()))

	mgr := pmm.NewManager(256 * pmm.PageSize)
	swapStore, err := swap.Open(logr.Discard(), "")
	require.NoError(t, err)
	t.Cleanup(func() { swapStore.Close() })

	tbl := NewTable(logr.Discard(), s, vfsCtx, socketTbl, router, a, mgr, swapStore)
	return tbl, s, ctx
}

func registerRootProcess(t *testing.T, tbl *Table, s *sched.Scheduler, vfsCtx *vfs.Context) uint64 {
	t.Helper()
	proc := s.ProcessAllocate(nil)
	creds := vfs.Credentials{EUID: 0, EGID: 0, Groups: sets.New[uint32]()}
	_, st := tbl.RegisterProcess(proc, vfsCtx.Root, creds)
	require.True(t, st.OK())
	return proc.PID
}
