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

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vfs"
)

func path(s string) []byte { return append([]byte(s), 0) }

func TestOpenWriteReadRoundTrips(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/hello.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())

	n, st := tbl.Write(ctx, pid, fd, []byte("hi"))
	require.True(t, st.OK())
	assert.Equal(t, 2, n)
	require.True(t, tbl.Close(pid, fd).OK())

	fd, st = tbl.Open(ctx, pid, path("/hello.txt"), 0)
	require.True(t, st.OK())
	buf := make([]byte, 16)
	n, st = tbl.Read(ctx, pid, fd, buf)
	require.True(t, st.OK())
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestSeekTellRoundTrip(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/f.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())
	_, st = tbl.Write(ctx, pid, fd, []byte("0123456789"))
	require.True(t, st.OK())

	off, st := tbl.Seek(pid, fd, 3, vfs.SeekSet)
	require.True(t, st.OK())
	assert.Equal(t, uint64(3), off)

	pos, st := tbl.Tell(pid, fd)
	require.True(t, st.OK())
	assert.Equal(t, uint64(3), pos)
}

func TestMkdirStatReportsDirectory(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	require.True(t, tbl.Mkdir(ctx, pid, path("/sub"), 0o755).OK())
	info, st := tbl.Stat(ctx, pid, path("/sub"))
	require.True(t, st.OK())
	assert.Equal(t, driver.FileTypeDirectory, info.Type)
}

func TestUnlinkRemovesFile(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/gone.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())
	require.True(t, tbl.Close(pid, fd).OK())

	require.True(t, tbl.Unlink(ctx, pid, path("/gone.txt")).OK())
	_, st = tbl.Stat(ctx, pid, path("/gone.txt"))
	assert.False(t, st.OK())
}

func TestSymlinkReadlinkRoundTrips(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	require.True(t, tbl.Symlink(ctx, pid, path("/link"), path("/target")).OK())
	target, st := tbl.Readlink(ctx, pid, path("/link"))
	require.True(t, st.OK())
	assert.Equal(t, "/target", target)
}

func TestChmodUpdatesPerms(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/p.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())
	require.True(t, tbl.Close(pid, fd).OK())

	require.True(t, tbl.Chmod(ctx, pid, path("/p.txt"), 0o600).OK())
	info, st := tbl.Stat(ctx, pid, path("/p.txt"))
	require.True(t, st.OK())
	assert.Equal(t, uint32(0o600), info.Perms)
}

func TestDupWithNumberReplacesTarget(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/a.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())

	require.True(t, tbl.DupWithNumber(pid, fd, 50).OK())
	n, st := tbl.Write(ctx, pid, 50, []byte("x"))
	require.True(t, st.OK())
	assert.Equal(t, 1, n)
}

func TestChdirRejectsNonDirectory(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	fd, st := tbl.Open(ctx, pid, path("/f.txt"), vfs.OflagWrite|vfs.OflagCreate)
	require.True(t, st.OK())
	require.True(t, tbl.Close(pid, fd).OK())

	st = tbl.Chdir(ctx, pid, path("/f.txt"))
	assert.False(t, st.OK())
}

func TestChdirThenGetcwd(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	require.True(t, tbl.Mkdir(ctx, pid, path("/sub"), 0o755).OK())
	require.True(t, tbl.Chdir(ctx, pid, path("/sub")).OK())

	cwd, st := tbl.Getcwd(pid)
	require.True(t, st.OK())
	assert.Equal(t, "/sub", cwd)
}

func TestUnmountReportsUnimplemented(t *testing.T) {
	tbl, s, ctx := newTestTable(t)
	pid := registerRootProcess(t, tbl, s, tbl.vfsCtx)

	st := tbl.Unmount(ctx, pid, path("/"))
	assert.Equal(t, status.Unimplemented, st.Code())
}
