// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vfs"
)

// Open resolves pathBuf (a bounded, NUL-terminated path buffer) relative
// to pid's cwd and installs a descriptor (spec.md §6.3 "open").
func (t *Table) Open(ctx context.Context, pid uint64, pathBuf []byte, oflags int) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return -1, st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return -1, st
	}
	return t.vfsCtx.FDOpen(ctx, pc.FDs, pc.Cwd, path, oflags, pc.Creds)
}

// Close drops fd (spec.md §6.3 "close").
func (t *Table) Close(pid uint64, fd int) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	pc.removeSocket(fd)
	return t.vfsCtx.FDClose(pc.FDs, fd)
}

// Read copies up to len(buf) bytes from fd into buf (spec.md §6.3
// "read"). buf is already a bounds-checked kernel buffer by the time it
// reaches here; CopyOut is used at the syscall entry trap a real kernel
// would have, not duplicated on every internal call.
func (t *Table) Read(ctx context.Context, pid uint64, fd int, buf []byte) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	if len(buf) > maxCopySize {
		return 0, status.New(status.InvalidArgument, "syscall: read exceeds bound")
	}
	return t.vfsCtx.FDRead(ctx, pc.FDs, fd, buf)
}

// Write copies len(buf) bytes from buf to fd (spec.md §6.3 "write").
func (t *Table) Write(ctx context.Context, pid uint64, fd int, buf []byte) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	if len(buf) > maxCopySize {
		return 0, status.New(status.InvalidArgument, "syscall: write exceeds bound")
	}
	return t.vfsCtx.FDWrite(ctx, pc.FDs, fd, buf)
}

// Seek repositions fd's cursor (spec.md §6.3 "seek").
func (t *Table) Seek(pid uint64, fd int, offset int64, whence int) (uint64, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	return pc.FDs.Seek(fd, offset, whence)
}

// Tell returns fd's current cursor (spec.md §6.3 "tell").
func (t *Table) Tell(pid uint64, fd int) (uint64, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return 0, st
	}
	return pc.FDs.Tell(fd)
}

// Stat reports the subset of vnode metadata spec.md §3's Vnode carries
// (spec.md §6.3 "stat").
type StatResult struct {
	Inode  uint64
	Size   uint64
	Type   driver.FileType
	Perms  uint32
	UID    uint32
	GID    uint32
	NLinks int32
}

// Stat resolves pathBuf and reports its vnode's metadata.
func (t *Table) Stat(ctx context.Context, pid uint64, pathBuf []byte) (StatResult, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return StatResult{}, st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return StatResult{}, st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return StatResult{}, st
	}
	vn := dent.Vnode
	return StatResult{
		Inode:  vn.Inode,
		Size:   vn.Size,
		Type:   vn.Type,
		Perms:  vn.Perms,
		UID:    vn.UID,
		GID:    vn.GID,
		NLinks: vn.RefCount(),
	}, status.New(status.Success, "")
}

// Mkdir creates pathBuf's final component as a directory under its
// already-resolved parent (spec.md §6.3 "mkdir").
func (t *Table) Mkdir(ctx context.Context, pid uint64, pathBuf []byte, perms uint32) status.Status {
	return t.mkfile(ctx, pid, pathBuf, driver.FileTypeDirectory, perms)
}

func (t *Table) mkfile(ctx context.Context, pid uint64, pathBuf []byte, typ driver.FileType, perms uint32) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	parent, name, st := t.splitParent(ctx, pc, path)
	if !st.OK() {
		return st
	}
	_, st = t.vfsCtx.MkFile(ctx, parent, name, typ, perms)
	return st
}

// splitParent resolves path's directory component, returning it along
// with the final path component's name.
func (t *Table) splitParent(ctx context.Context, pc *ProcessContext, path string) (*vfs.Dirent, string, status.Status) {
	dir, name := splitPath(path)
	parent, st := t.vfsCtx.Lookup(ctx, dir, pc.Cwd)
	if !st.OK() {
		return nil, "", st
	}
	return parent, name, status.New(status.Success, "")
}

func splitPath(path string) (dir, name string) {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ".", path
	}
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// Unlink removes pathBuf's final component (spec.md §6.3 "unlink").
func (t *Table) Unlink(ctx context.Context, pid uint64, pathBuf []byte) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	parent, name, st := t.splitParent(ctx, pc, path)
	if !st.OK() {
		return st
	}
	return t.vfsCtx.RemoveFile(ctx, parent, name)
}

// Rename moves oldPathBuf to newPathBuf, both resolved relative to pid's
// cwd (spec.md §6.3 "rename"), dispatching to the owning driver's
// MoveDescTo.
func (t *Table) Rename(ctx context.Context, pid uint64, oldPathBuf, newPathBuf []byte) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	oldPath, st := CopyInString(oldPathBuf)
	if !st.OK() {
		return st
	}
	newPath, st := CopyInString(newPathBuf)
	if !st.OK() {
		return st
	}

	dent, st := t.vfsCtx.Lookup(ctx, oldPath, pc.Cwd)
	if !st.OK() {
		return st
	}
	if dent.Vnode.FSDriver == nil {
		return status.New(status.InvalidArgument, "syscall: no backing driver to rename through")
	}
	newParent, newName, st := t.splitParent(ctx, pc, newPath)
	if !st.OK() {
		return st
	}
	return dent.Vnode.FSDriver.MoveDescTo(ctx, dent.Vnode.DriverDesc, newParent.Vnode.DriverDesc, newName)
}

// Readlink returns a symlink's target path (spec.md §6.3 "readlink").
func (t *Table) Readlink(ctx context.Context, pid uint64, pathBuf []byte) (string, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return "", st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return "", st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return "", st
	}
	if dent.Vnode.Type != driver.FileTypeSymlink {
		return "", status.New(status.InvalidArgument, "syscall: not a symlink")
	}
	return dent.Vnode.SymlinkPath, status.New(status.Success, "")
}

// Symlink creates a symlink at pathBuf pointing at targetBuf (spec.md
// §6.3 "symlink").
func (t *Table) Symlink(ctx context.Context, pid uint64, pathBuf, targetBuf []byte) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	target, st := CopyInString(targetBuf)
	if !st.OK() {
		return st
	}
	parent, name, st := t.splitParent(ctx, pc, path)
	if !st.OK() {
		return st
	}
	dent, st := t.vfsCtx.MkFile(ctx, parent, name, driver.FileTypeSymlink, 0o777)
	if !st.OK() {
		return st
	}
	dent.Vnode.SymlinkPath = target
	return status.New(status.Success, "")
}

// Chmod changes a vnode's permission bits through its owning driver
// (spec.md §6.3 "chmod").
func (t *Table) Chmod(ctx context.Context, pid uint64, pathBuf []byte, perms uint32) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return st
	}
	if dent.Vnode.FSDriver == nil {
		return status.New(status.InvalidArgument, "syscall: no backing driver for chmod")
	}
	if st := dent.Vnode.FSDriver.SetFilePerms(ctx, dent.Vnode.DriverDesc, perms); !st.OK() {
		return st
	}
	dent.Vnode.Perms = perms
	return status.New(status.Success, "")
}

// Chown changes a vnode's owner/group in-core (no driver hook carries
// uid/gid today, so this updates the cached vnode fields the way a
// synthetic/tmpfs-style driver would; spec.md §6.3 "chown").
func (t *Table) Chown(ctx context.Context, pid uint64, pathBuf []byte, uid, gid uint32) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return st
	}
	dent.Vnode.UID = uid
	dent.Vnode.GID = gid
	return status.New(status.Success, "")
}

// Access checks pid's credentials against pathBuf's vnode (spec.md §6.3
// "access").
func (t *Table) Access(ctx context.Context, pid uint64, pathBuf []byte, r, w, x bool) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return st
	}
	readOnly := dent.Vnode.FSDriver == nil
	return vfs.Access(dent.Vnode, pc.Creds, r, w, x, readOnly)
}

// Dup installs a new descriptor referencing the same vnode as fd
// (spec.md §6.3 "dup").
func (t *Table) Dup(pid uint64, fd int) (int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return -1, st
	}
	return pc.FDs.Dup(fd)
}

// DupWithNumber installs newFD referencing the same vnode as fd,
// replacing whatever newFD previously held (spec.md §6.3 "dup with a
// specific number").
func (t *Table) DupWithNumber(pid uint64, fd, newFD int) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	return pc.FDs.DupTo(fd, newFD)
}

// Chdir changes pid's current working directory by path (spec.md §6.3
// "chdir").
func (t *Table) Chdir(ctx context.Context, pid uint64, pathBuf []byte) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return st
	}
	if dent.Vnode.Type != driver.FileTypeDirectory {
		return status.New(status.InvalidArgument, "syscall: not a directory")
	}
	pc.mu.Lock()
	pc.Cwd = dent
	pc.mu.Unlock()
	return status.New(status.Success, "")
}

// ChdirByHandle changes pid's cwd to an already-open descriptor's
// directory vnode (spec.md §6.3 "chdir by handle").
func (t *Table) ChdirByHandle(pid uint64, fd int) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	vn, ok := pc.FDs.Lookup(fd)
	if !ok {
		return status.New(status.InvalidArgument, "syscall: bad file descriptor")
	}
	if vn.Type != driver.FileTypeDirectory {
		return status.New(status.InvalidArgument, "syscall: not a directory")
	}
	pc.mu.Lock()
	pc.Cwd = vfs.NewDirent("", vn)
	pc.mu.Unlock()
	return status.New(status.Success, "")
}

// Getcwd returns pid's current working directory's name (spec.md §6.3
// "getcwd"). The dirent cache does not track full paths, only parent
// links and names, so this walks up to the root accumulating components
// — the same traversal Lookup's ".." case performs in reverse.
func (t *Table) Getcwd(pid uint64) (string, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return "", st
	}
	var comps []string
	for d := pc.Cwd; d != nil && d.Name != "/"; d = d.Parent() {
		comps = append([]string{d.Name}, comps...)
	}
	path := "/"
	for i, c := range comps {
		if i > 0 {
			path += "/"
		}
		path += c
	}
	return path, status.New(status.Success, "")
}

// ReadEntries lists pathBuf's directory entries starting at cursor
// (spec.md §6.3 "read entries").
func (t *Table) ReadEntries(ctx context.Context, pid uint64, pathBuf []byte, cursor int) ([]vfs.DirEntry, int, status.Status) {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return nil, 0, st
	}
	path, st := CopyInString(pathBuf)
	if !st.OK() {
		return nil, 0, st
	}
	dent, st := t.vfsCtx.Lookup(ctx, path, pc.Cwd)
	if !st.OK() {
		return nil, 0, st
	}
	return t.vfsCtx.ReadEntries(ctx, dent, cursor)
}

// Mount grafts deviceFD's backing store onto atPathBuf using fsDriver
// (spec.md §6.3 "mount"); fsDriver nil probes the registry.
func (t *Table) Mount(ctx context.Context, pid uint64, atPathBuf []byte, deviceFD int, fsDriver driver.FSDriver) status.Status {
	pc, st := t.processContext(pid)
	if !st.OK() {
		return st
	}
	atPath, st := CopyInString(atPathBuf)
	if !st.OK() {
		return st
	}
	at, st := t.vfsCtx.Lookup(ctx, atPath, pc.Cwd)
	if !st.OK() {
		return st
	}
	deviceVnode, ok := pc.FDs.Lookup(deviceFD)
	if !ok {
		return status.New(status.InvalidArgument, "syscall: bad device file descriptor")
	}
	_, st = t.vfsCtx.Mount(ctx, at, deviceVnode, fsDriver)
	return st
}

// Unmount is a Non-goal in spec.md's source material (no original
// unmount codepath to ground on) but is listed in spec.md §6.3's
// enumeration, so it is exposed as Unimplemented rather than silently
// dropped.
func (t *Table) Unmount(ctx context.Context, pid uint64, atPathBuf []byte) status.Status {
	return status.New(status.Unimplemented, "syscall: unmount is not implemented")
}
