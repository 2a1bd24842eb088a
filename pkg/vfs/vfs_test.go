// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obos-dev/kernel/pkg/blockdev/ramdisk"
	"github.com/obos-dev/kernel/pkg/driver"
)

func newTestVFS(t *testing.T) (*Context, *ramdisk.Ramdisk) {
	t.Helper()
	rd, err := ramdisk.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { rd.Close() })

	registry := driver.NewRegistry(logr.Discard())
	require.NoError(t, registry.RegisterFSDriver("ramdisk", rd))
	require.NoError(t, registry.RegisterBlockDevice("ramdisk", rd))

	rootVnode := NewVnode(driver.FileTypeDirectory, 0o755, 0, 0)
	c := NewContext(logr.Discard(), registry, rootVnode)
	return c, rd
}

func TestMountGraftsDriverRootUnderMountpoint(t *testing.T) {
	c, rd := newTestVFS(t)
	deviceVnode := NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)

	mnt, st := c.Mount(context.Background(), c.Root, deviceVnode, rd)
	require.True(t, st.OK())
	assert.True(t, c.Root.Vnode.IsMountpoint())
	assert.Same(t, mnt, c.Root.Vnode.Mounted)
}

func TestMountRejectsAlreadyMountedPoint(t *testing.T) {
	c, rd := newTestVFS(t)
	deviceVnode := NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)

	_, st := c.Mount(context.Background(), c.Root, deviceVnode, rd)
	require.True(t, st.OK())

	_, st = c.Mount(context.Background(), c.Root, deviceVnode, rd)
	assert.False(t, st.OK())
}

func TestLookupResolvesThroughMountAndCreatesFile(t *testing.T) {
	c, rd := newTestVFS(t)
	deviceVnode := NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)
	_, st := c.Mount(context.Background(), c.Root, deviceVnode, rd)
	require.True(t, st.OK())

	mountRoot := c.Root.Vnode.Mounted.Root
	_, st = c.MkFile(context.Background(), mountRoot, "hello.txt", driver.FileTypeRegular, 0o644)
	require.True(t, st.OK())

	dent, st := c.Lookup(context.Background(), "/hello.txt", c.Root)
	require.True(t, st.OK())
	assert.Equal(t, "hello.txt", dent.Name)
	assert.Equal(t, driver.FileTypeRegular, dent.Vnode.Type)
}

func TestLookupDotDotNeverCrossesRoot(t *testing.T) {
	c, _ := newTestVFS(t)
	dent, st := c.Lookup(context.Background(), "/../../..", c.Root)
	require.True(t, st.OK())
	assert.Same(t, c.Root, dent)
}

func TestFDOpenReadWriteRoundTrips(t *testing.T) {
	c, rd := newTestVFS(t)
	deviceVnode := NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)
	_, st := c.Mount(context.Background(), c.Root, deviceVnode, rd)
	require.True(t, st.OK())

	mountRoot := c.Root.Vnode.Mounted.Root
	_, st = c.MkFile(context.Background(), mountRoot, "data.txt", driver.FileTypeRegular, 0o644)
	require.True(t, st.OK())

	fds := NewFDTable()
	creds := Credentials{EUID: 0, EGID: 0}

	fd, st := c.FDOpen(context.Background(), fds, c.Root, "/data.txt", OflagWrite, creds)
	require.True(t, st.OK())

	n, st := c.FDWrite(context.Background(), fds, fd, []byte("payload"))
	require.True(t, st.OK())
	assert.Equal(t, 7, n)

	require.True(t, c.FDClose(fds, fd).OK())

	fd, st = c.FDOpen(context.Background(), fds, c.Root, "/data.txt", 0, creds)
	require.True(t, st.OK())

	buf := make([]byte, 32)
	n, st = c.FDRead(context.Background(), fds, fd, buf)
	require.True(t, st.OK())
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestReadEntriesListsDirectoryAndReflectsMkFile(t *testing.T) {
	c, rd := newTestVFS(t)
	deviceVnode := NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)
	_, st := c.Mount(context.Background(), c.Root, deviceVnode, rd)
	require.True(t, st.OK())

	mountRoot := c.Root.Vnode.Mounted.Root
	entries, total, st := c.ReadEntries(context.Background(), mountRoot, 0)
	require.True(t, st.OK())
	assert.Equal(t, 0, total)
	assert.Empty(t, entries)

	_, st = c.MkFile(context.Background(), mountRoot, "new.txt", driver.FileTypeRegular, 0o644)
	require.True(t, st.OK())

	entries, total, st = c.ReadEntries(context.Background(), mountRoot, 0)
	require.True(t, st.OK())
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "new.txt", entries[0].Name)
}

func TestAccessOwnerGroupOtherAndRootShortCircuit(t *testing.T) {
	vn := NewVnode(driver.FileTypeRegular, 0o640, 100, 200)

	owner := Credentials{EUID: 100, EGID: 999}
	assert.True(t, Access(vn, owner, true, true, false, false).OK())

	group := Credentials{EUID: 111, EGID: 200}
	assert.True(t, Access(vn, group, true, false, false, false).OK())
	assert.False(t, Access(vn, group, true, true, false, false).OK())

	supplementary := Credentials{EUID: 111, EGID: 999, Groups: sets.New[uint32](200)}
	assert.True(t, Access(vn, supplementary, true, false, false, false).OK())

	other := Credentials{EUID: 111, EGID: 999}
	assert.False(t, Access(vn, other, true, false, false, false).OK())

	root := Credentials{EUID: 0}
	assert.True(t, Access(vn, root, true, true, true, false).OK())
}

func TestAccessRefusesWriteOnReadOnlyFS(t *testing.T) {
	vn := NewVnode(driver.FileTypeRegular, 0o666, 0, 0)
	root := Credentials{EUID: 0}
	assert.False(t, Access(vn, root, false, true, false, true).OK())
}

func TestSymlinkResolvesToTarget(t *testing.T) {
	c, rd := newTestVFS(t)
	deviceVnode := NewVnode(driver.FileTypeBlockDevice, 0o600, 0, 0)
	_, st := c.Mount(context.Background(), c.Root, deviceVnode, rd)
	require.True(t, st.OK())

	mountRoot := c.Root.Vnode.Mounted.Root
	_, st = c.MkFile(context.Background(), mountRoot, "target.txt", driver.FileTypeRegular, 0o644)
	require.True(t, st.OK())

	linkDesc, st := rd.MkFile(context.Background(), mountRoot.Vnode.DriverDesc, "link.txt", driver.FileTypeSymlink, 0o777)
	require.True(t, st.OK())

	// The ramdisk driver stores a symlink's target path in the same Data
	// payload a regular file's bytes live in; GetLinkedPath just reads it
	// back as a string.
	_, st = rd.WriteSync(context.Background(), linkDesc, []byte("/target.txt"), 0, 0)
	require.True(t, st.OK())

	dent, st := c.Lookup(context.Background(), "/link.txt", c.Root)
	require.True(t, st.OK())
	assert.Equal(t, "target.txt", dent.Name)
}
