// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/status"
)

// maxSymlinkDepth bounds symlink resolution (spec.md §4.5 "loops are
// bounded by a fixed depth").
const maxSymlinkDepth = 16

// Context is the kernel-wide VFS state: the dirent cache rooted at
// Root, the mount table, and the driver registry path resolution
// dispatches into.
type Context struct {
	logger logr.Logger

	lock *reentrantLock

	Root     *Dirent
	registry *driver.Registry

	mounts []*Mount

	notifyMu sync.Mutex
	notify   ObjectNotifier
}

// ObjectNotifier is an optional observer notified whenever the dirent
// cache gains or loses an entry. internal/intake's kernel delta notifier
// implements this to publish vnode lifecycle deltas alongside process and
// route-cache ones.
type ObjectNotifier interface {
	NotifyVnodeCreate(path string)
	NotifyVnodeEvict(path string)
}

// SetObjectNotifier installs (or, passed nil, removes) the Context's
// optional ObjectNotifier.
func (c *Context) SetObjectNotifier(n ObjectNotifier) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify = n
}

func (c *Context) notifyVnodeCreate(path string) {
	c.notifyMu.Lock()
	n := c.notify
	c.notifyMu.Unlock()
	if n != nil {
		n.NotifyVnodeCreate(path)
	}
}

func (c *Context) notifyVnodeEvict(path string) {
	c.notifyMu.Lock()
	n := c.notify
	c.notifyMu.Unlock()
	if n != nil {
		n.NotifyVnodeEvict(path)
	}
}

// NewContext builds a VFS rooted at an already-resolved root vnode. The
// caller then mounts the driver that backs `/` onto Root with Mount.
func NewContext(logger logr.Logger, registry *driver.Registry, rootVnode *Vnode) *Context {
	root := NewDirent("/", rootVnode)
	return &Context{
		logger:   logger.WithName("vfs"),
		lock:     newReentrantLock(),
		Root:     root,
		registry: registry,
	}
}

// Credentials is the (euid, egid, supplementary groups) triple spec.md
// §4.5's Access and fd_open cite.
type Credentials struct {
	EUID, EGID uint32
	Groups     sets.Set[uint32]
}

// Lookup resolves path relative to start (or the global root, for an
// absolute path), honoring ".", "..", mountpoint crossing, and symlink
// targets (spec.md §4.5 Path resolution).
func (c *Context) Lookup(ctx context.Context, path string, start *Dirent) (*Dirent, status.Status) {
	ctx, release := c.lock.lock(ctx)
	defer release()

	cur := start
	if strings.HasPrefix(path, "/") || cur == nil {
		cur = c.Root
	}
	return c.resolve(ctx, cur, path, 0)
}

func (c *Context) resolve(ctx context.Context, start *Dirent, path string, depth int) (*Dirent, status.Status) {
	if depth > maxSymlinkDepth {
		return nil, status.New(status.InvalidArgument, "vfs: symlink resolution exceeded max depth")
	}

	cur := start
	for _, comp := range strings.Split(strings.Trim(path, "/"), "/") {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}

		if cur.Flags&DirentCTTY != 0 {
			// Sentinel: this dirent always resolves to the caller's
			// controlling terminal; no further child lookup applies to
			// it, so disallow descending through it.
			return nil, status.New(status.InvalidOperation, "vfs: cannot traverse a controlling-tty sentinel")
		}

		if cur.Vnode != nil && cur.Vnode.IsMountpoint() {
			cur = cur.Vnode.Mounted.Root
		}

		next := cur.childByName(comp, nil)
		if next == nil {
			found, st := c.probeDriver(ctx, cur, comp)
			if !st.OK() {
				return nil, st
			}
			next = found
		}

		if next.Vnode != nil && next.Vnode.Type == driver.FileTypeSymlink {
			target, st := c.resolve(ctx, next.parent, next.Vnode.SymlinkPath, depth+1)
			if !st.OK() {
				return nil, st
			}
			next = target
		}

		cur = next
	}
	return cur, status.New(status.Success, "")
}

// probeDriver handles a dirent-cache miss by asking the owning mount's
// driver to resolve one path component, inserting the result into the
// cache under parent (spec.md §4.5: "On cache miss, the current mount's
// driver's path_search is invoked per component; resulting vnodes are
// inserted into the cache linked under their parent.").
func (c *Context) probeDriver(ctx context.Context, parent *Dirent, name string) (*Dirent, status.Status) {
	mnt := c.mountFor(parent)
	if mnt == nil {
		return nil, status.New(status.NotFound, "vfs: no backing driver for "+name)
	}

	var out driver.Desc
	st := mnt.Driver.PathSearch(ctx, &out, parent.Vnode.DriverDesc, name, parent.Vnode.DriverDesc)
	if !st.OK() {
		return nil, st
	}

	ftype, st := mnt.Driver.GetFileType(ctx, out)
	if !st.OK() {
		return nil, st
	}
	perms, _ := mnt.Driver.GetFilePerms(ctx, out)

	vn := NewVnode(ftype, perms, 0, 0)
	vn.DriverDesc = out
	vn.FSDriver = mnt.Driver
	if ftype == driver.FileTypeSymlink {
		vn.SymlinkPath, _ = mnt.Driver.GetLinkedPath(ctx, out)
	}

	child := NewDirent(name, vn)
	parent.addChild(child)
	return child, status.New(status.Success, "")
}

// mountFor returns the mount a dirent's lookups should be dispatched
// through: the most specific mount whose subtree contains it. Since
// crossing a mountpoint already repoints cur at the mounted root before
// probeDriver is called, the simple case — parent's own vnode carries
// the driver — covers every call site that matters here.
func (c *Context) mountFor(parent *Dirent) *Mount {
	for _, m := range c.mounts {
		if m.Root == parent || m.At == parent {
			return m
		}
	}
	// Walk up until a mount root is found (covers nested lookups below
	// the mount's own root dirent).
	for d := parent; d != nil; d = d.parent {
		for _, m := range c.mounts {
			if m.Root == d {
				return m
			}
		}
	}
	return nil
}

// Mount grafts fsDriver's root onto at (spec.md §4.5 Mount). If
// fsDriver is nil, the registered FS drivers are probed in registration
// order and the first to claim deviceVnode via Probe wins.
func (c *Context) Mount(ctx context.Context, at *Dirent, deviceVnode *Vnode, fsDriver driver.FSDriver) (*Mount, status.Status) {
	ctx, release := c.lock.lock(ctx)
	defer release()

	if at.Vnode == nil || at.Vnode.Type != driver.FileTypeDirectory {
		return nil, status.New(status.InvalidArgument, "vfs: mount point must be a directory")
	}
	if at.Vnode.IsMountpoint() {
		return nil, status.New(status.InUse, "vfs: already a mountpoint")
	}

	chosen := fsDriver
	if chosen == nil {
		for _, d := range c.registry.FSDriversInProbeOrder() {
			if d.Probe(ctx, deviceVnode.DriverDesc).OK() {
				chosen = d
				break
			}
		}
		if chosen == nil {
			return nil, status.New(status.NotFound, "vfs: no driver claimed the device")
		}
	}

	rootDesc, st := chosen.VnodeSearch(ctx, deviceVnode.DriverDesc, "/", nil)
	if !st.OK() {
		return nil, st
	}
	rootVnode := NewVnode(driver.FileTypeDirectory, 0o755, 0, 0)
	rootVnode.DriverDesc = rootDesc
	rootVnode.FSDriver = chosen

	mountRoot := NewDirent("/", rootVnode)
	// mountRoot.parent must point back at at so ".." resolution can climb
	// back out of the mount (vfs.go's resolve()), but it must not appear
	// in at's own children list, so this sets the pointer directly rather
	// than going through addChild's sibling-list bookkeeping.
	mountRoot.parent = at

	mnt := &Mount{
		Root:        mountRoot,
		DeviceVnode: deviceVnode,
		Driver:      chosen,
		At:          at,
	}

	at.Vnode.mu.Lock()
	at.Vnode.Flags |= FlagMountpoint
	at.Vnode.Mounted = mnt
	at.Vnode.mu.Unlock()

	c.mounts = append(c.mounts, mnt)
	c.logger.Info("mounted file system", "at", at.Name)
	return mnt, status.New(status.Success, "")
}

// Access implements spec.md §4.5 Access: uid==0 short-circuit, owner
// match, group match (including supplementary groups), else other;
// write is refused on read-only file systems regardless.
func Access(vn *Vnode, creds Credentials, r, w, x bool, readOnlyFS bool) status.Status {
	if w && readOnlyFS {
		return status.New(status.ReadOnly, "vfs: write refused on read-only file system")
	}
	if creds.EUID == 0 {
		return status.New(status.Success, "")
	}

	var triad uint32
	switch {
	case vn.UID == creds.EUID:
		triad = (vn.Perms >> 6) & 0o7
	case vn.GID == creds.EGID || (creds.Groups != nil && creds.Groups.Has(vn.GID)):
		triad = (vn.Perms >> 3) & 0o7
	default:
		triad = vn.Perms & 0o7
	}

	want := uint32(0)
	if r {
		want |= 0o4
	}
	if w {
		want |= 0o2
	}
	if x {
		want |= 0o1
	}
	if triad&want != want {
		return status.New(status.AccessDenied, "vfs: permission denied")
	}
	return status.New(status.Success, "")
}

// FDTable is a process's open-file-descriptor handle table (spec.md §3
// Process "handle table (fd table plus other object types)", narrowed
// here to just fds; the rest of the handle table lives in pkg/syscall).
type FDTable struct {
	mu      sync.Mutex
	entries map[int]*OpenFile
	next    int
}

func NewFDTable() *FDTable {
	return &FDTable{entries: make(map[int]*OpenFile)}
}

// InstallVnode binds an already-constructed vnode (e.g. a socket vnode
// from NewSocketVnode, which has no backing path) to a fresh descriptor,
// bumping the vnode's refcount the same way FDOpen does.
func (fds *FDTable) InstallVnode(vn *Vnode, flags int) int {
	vn.Ref()
	fds.mu.Lock()
	defer fds.mu.Unlock()
	fd := fds.next
	fds.next++
	fds.entries[fd] = &OpenFile{Vnode: vn, Flags: flags}
	vn.OpenFiles = append(vn.OpenFiles, fds.entries[fd])
	return fd
}

// InstallAt binds vn to a caller-chosen descriptor number, closing
// whatever previously occupied it (spec.md §6.3 "dup with a specific
// number").
func (fds *FDTable) InstallAt(fd int, vn *Vnode, flags int) {
	vn.Ref()
	fds.mu.Lock()
	defer fds.mu.Unlock()
	if old, ok := fds.entries[fd]; ok {
		old.Vnode.Unref()
	}
	fds.entries[fd] = &OpenFile{Vnode: vn, Flags: flags}
	vn.OpenFiles = append(vn.OpenFiles, fds.entries[fd])
	if fd >= fds.next {
		fds.next = fd + 1
	}
}

// Lookup returns the vnode bound to fd, if any.
func (fds *FDTable) Lookup(fd int) (*Vnode, bool) {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	of, ok := fds.entries[fd]
	if !ok {
		return nil, false
	}
	return of.Vnode, true
}

// Seek repositions fd's cursor (spec.md §6.3 seek/tell).
func (fds *FDTable) Seek(fd int, offset int64, whence int) (uint64, status.Status) {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	of, ok := fds.entries[fd]
	if !ok {
		return 0, status.New(status.InvalidArgument, "vfs: bad file descriptor")
	}
	var base uint64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = of.Offset
	case SeekEnd:
		base = of.Vnode.Size
	default:
		return 0, status.New(status.InvalidArgument, "vfs: bad whence")
	}
	next := int64(base) + offset
	if next < 0 {
		return 0, status.New(status.InvalidArgument, "vfs: negative seek result")
	}
	of.Offset = uint64(next)
	return of.Offset, status.New(status.Success, "")
}

// Tell returns fd's current cursor without moving it.
func (fds *FDTable) Tell(fd int) (uint64, status.Status) {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	of, ok := fds.entries[fd]
	if !ok {
		return 0, status.New(status.InvalidArgument, "vfs: bad file descriptor")
	}
	return of.Offset, status.New(status.Success, "")
}

// Dup installs a second descriptor referencing the same vnode as fd.
func (fds *FDTable) Dup(fd int) (int, status.Status) {
	fds.mu.Lock()
	of, ok := fds.entries[fd]
	fds.mu.Unlock()
	if !ok {
		return -1, status.New(status.InvalidArgument, "vfs: bad file descriptor")
	}
	return fds.InstallVnode(of.Vnode, of.Flags), status.New(status.Success, "")
}

// DupTo installs newFD referencing the same vnode as fd (spec.md §6.3
// "dup with a specific number").
func (fds *FDTable) DupTo(fd, newFD int) status.Status {
	fds.mu.Lock()
	of, ok := fds.entries[fd]
	fds.mu.Unlock()
	if !ok {
		return status.New(status.InvalidArgument, "vfs: bad file descriptor")
	}
	fds.InstallAt(newFD, of.Vnode, of.Flags)
	return status.New(status.Success, "")
}

// Whence values for Seek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// FDOpen resolves path, checks access, and installs a new open-file
// entry (spec.md §4.5 "fd_open(fd, path, oflags)").
func (c *Context) FDOpen(ctx context.Context, fds *FDTable, start *Dirent, path string, oflags int, creds Credentials) (int, status.Status) {
	dent, st := c.Lookup(ctx, path, start)
	if !st.OK() {
		return -1, st
	}

	wantWrite := oflags&OflagWrite != 0
	readOnly := dent.Vnode.FSDriver == nil // no driver => synthetic/read-only vnode
	if st := Access(dent.Vnode, creds, true, wantWrite, false, readOnly); !st.OK() {
		return -1, st
	}

	dent.Vnode.Ref()
	of := &OpenFile{Vnode: dent.Vnode, Flags: oflags}

	fds.mu.Lock()
	defer fds.mu.Unlock()
	fd := fds.next
	fds.next++
	fds.entries[fd] = of
	dent.Vnode.OpenFiles = append(dent.Vnode.OpenFiles, of)
	return fd, status.New(status.Success, "")
}

// Open flags (spec.md §6.3 "open"), exported for the syscall layer.
const (
	OflagWrite = 1 << iota
	OflagAppend
	OflagCreate
	OflagTrunc
	OflagUncached
)

// FDClose drops the descriptor and the vnode reference it held.
func (c *Context) FDClose(fds *FDTable, fd int) status.Status {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	of, ok := fds.entries[fd]
	if !ok {
		return status.New(status.InvalidArgument, "vfs: bad file descriptor")
	}
	delete(fds.entries, fd)
	of.Vnode.Unref()
	return status.New(status.Success, "")
}

// FDRead constructs and drives a read IRP against the descriptor's
// vnode device, or dispatches to socket ops for a SOCK vnode (spec.md
// §4.5 "fd_read/write(fd, buf, n) constructs an IRP targeting the
// vnode... submits, waits, finalizes").
func (c *Context) FDRead(ctx context.Context, fds *FDTable, fd int, buf []byte) (int, status.Status) {
	return c.fdIO(ctx, fds, fd, buf, irp.OpRead)
}

func (c *Context) FDWrite(ctx context.Context, fds *FDTable, fd int, buf []byte) (int, status.Status) {
	return c.fdIO(ctx, fds, fd, buf, irp.OpWrite)
}

func (c *Context) fdIO(ctx context.Context, fds *FDTable, fd int, buf []byte, op irp.Op) (int, status.Status) {
	fds.mu.Lock()
	of, ok := fds.entries[fd]
	fds.mu.Unlock()
	if !ok {
		return 0, status.New(status.InvalidArgument, "vfs: bad file descriptor")
	}

	vn := of.Vnode

	var submitter irp.Submitter
	if binding, isSocket := vn.Socket.(socketBinding); isSocket {
		submitter = socketSubmitter{binding: binding}
	} else if s, ok := vn.FSDriver.(driver.IRPSubmitter); ok {
		submitter = s
	} else {
		return 0, status.New(status.Unimplemented, "vfs: driver does not support IRP dispatch")
	}

	p := irp.New(op, vn, vn.DriverDesc, of.Offset, uint64(len(buf)), irp.NewBuffer(buf, nil))
	st := irp.Drive(ctx, c.logger, submitter, p)
	if !st.OK() {
		return p.Bytes, st
	}

	fds.mu.Lock()
	of.Offset += uint64(p.Bytes)
	fds.mu.Unlock()
	return p.Bytes, st
}

// DirEntry is one directory entry (spec.md §4.5 ReadEntries:
// "{inode, offset, reclen, type, name}"); it carries no reclen field.
type DirEntry struct {
	Inode  uint64
	Offset uint64
	Type   driver.FileType
	Name   string
}

// ReadEntries lists dent's children, populating the dirent cache lazily
// from the mount driver's ListDir on first traversal (spec.md §4.5
// Directory listing).
func (c *Context) ReadEntries(ctx context.Context, dent *Dirent, cursor int) ([]DirEntry, int, status.Status) {
	ctx, release := c.lock.lock(ctx)
	defer release()

	if dent.Vnode == nil || dent.Vnode.Type != driver.FileTypeDirectory {
		return nil, 0, status.New(status.InvalidArgument, "vfs: not a directory")
	}

	if dent.childCount == 0 && dent.Vnode.FSDriver != nil {
		st := dent.Vnode.FSDriver.ListDir(ctx, dent.Vnode.DriverDesc, dent.Vnode.DriverDesc, func(name string, childType driver.FileType) driver.ListDirAction {
			if dent.childByName(name, nil) == nil {
				vn := NewVnode(childType, 0o644, dent.Vnode.UID, dent.Vnode.GID)
				dent.addChild(NewDirent(name, vn))
			}
			return driver.ListDirContinue
		})
		if !st.OK() {
			return nil, 0, st
		}
	}

	children := dent.Children()
	if cursor >= len(children) {
		return nil, len(children), status.New(status.Success, "")
	}
	out := make([]DirEntry, 0, len(children)-cursor)
	for i := cursor; i < len(children); i++ {
		ch := children[i]
		out = append(out, DirEntry{Inode: ch.Vnode.Inode, Offset: uint64(i), Type: ch.Vnode.Type, Name: ch.Name})
	}
	return out, len(children), status.New(status.Success, "")
}

// MkFile creates name under parent via the mount driver and links it
// into the dirent cache (spec.md §6.1/§4.5's MkFile row).
func (c *Context) MkFile(ctx context.Context, parent *Dirent, name string, fileType driver.FileType, perms uint32) (*Dirent, status.Status) {
	ctx, release := c.lock.lock(ctx)
	defer release()

	if parent.Vnode == nil || parent.Vnode.FSDriver == nil {
		return nil, status.New(status.InvalidArgument, "vfs: parent has no backing driver")
	}
	if parent.childByName(name, nil) != nil {
		return nil, status.New(status.AlreadyInitialized, "vfs: "+name+" already exists")
	}

	desc, st := parent.Vnode.FSDriver.MkFile(ctx, parent.Vnode.DriverDesc, name, fileType, perms)
	if !st.OK() {
		return nil, st
	}

	vn := NewVnode(fileType, perms, parent.Vnode.UID, parent.Vnode.GID)
	vn.DriverDesc = desc
	vn.FSDriver = parent.Vnode.FSDriver

	child := NewDirent(name, vn)
	parent.addChild(child)
	c.notifyVnodeCreate(child.Path())
	return child, status.New(status.Success, "")
}

// RemoveFile unlinks name from parent through the mount driver and
// evicts the corresponding dirent from the cache.
func (c *Context) RemoveFile(ctx context.Context, parent *Dirent, name string) status.Status {
	ctx, release := c.lock.lock(ctx)
	defer release()

	if parent.Vnode == nil || parent.Vnode.FSDriver == nil {
		return status.New(status.InvalidArgument, "vfs: parent has no backing driver")
	}
	child := parent.childByName(name, nil)
	if child == nil {
		return status.New(status.NotFound, "vfs: "+name+" not found")
	}

	if st := parent.Vnode.FSDriver.RemoveFile(ctx, parent.Vnode.DriverDesc, name); !st.OK() {
		return st
	}
	path := child.Path()
	parent.removeChild(child)
	c.notifyVnodeEvict(path)
	return status.New(status.Success, "")
}
