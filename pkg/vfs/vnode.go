// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vfs implements the driver-mediated virtual file system of
// spec.md §4.5: the in-memory dirent cache, mount table, path
// resolution, file descriptors, and access control, dispatching actual
// I/O through pkg/irp against a pkg/driver.FSDriver/BlockDevice.
package vfs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/obos-dev/kernel/pkg/driver"
)

// VnodeFlags (spec.md §3 "flags {MOUNTPOINT, IS_TTY, DRIVER_DEAD,
// EVENT_DEV, …}").
type VnodeFlags uint32

const (
	FlagMountpoint VnodeFlags = 1 << iota
	FlagIsTTY
	FlagDriverDead
	FlagEventDev
)

// Times holds the four vnode timestamps spec.md §3 names.
type Times struct {
	Atime, Mtime, Ctime, Birth time.Time
}

// Vnode is the in-core inode (spec.md §3 "Vnode"). The union described
// there ({device-vdev, mount-point, symlink-target-string,
// socket-state}) is modeled as four optional fields rather than an
// actual union; exactly one is meaningful per Type.
type Vnode struct {
	mu sync.Mutex

	Type       driver.FileType
	Size       uint64
	BlockSize  uint32
	Inode      uint64
	UID, GID   uint32
	Perms      uint32 // rwx triads + setuid/setgid, POSIX-packed
	DriverDesc driver.Desc
	FSDriver   driver.FSDriver
	BlockDev   driver.BlockDevice

	// Union fields; exactly one is populated depending on Type/Flags.
	Device      driver.Desc // BLK/CHR: underlying device descriptor
	Mounted     *Mount      // MOUNTPOINT: the mount grafted here
	SymlinkPath string      // LNK: target path
	Socket      any         // SOCK: socket state, owned by pkg/netcore

	OpenFiles []*OpenFile

	Flags VnodeFlags
	Times Times

	refs atomic.Int32
}

// NewVnode allocates a vnode with refcount one.
func NewVnode(typ driver.FileType, perms uint32, uid, gid uint32) *Vnode {
	v := &Vnode{Type: typ, Perms: perms, UID: uid, GID: gid}
	v.refs.Store(1)
	now := timeNow()
	v.Times = Times{Atime: now, Mtime: now, Ctime: now, Birth: now}
	return v
}

// timeNow is the single clock read in the package, isolated so callers
// needing determinism in tests can see exactly where wall-clock enters.
func timeNow() time.Time { return time.Now() }

func (v *Vnode) Ref() *Vnode {
	v.refs.Add(1)
	return v
}

func (v *Vnode) Unref() int32 {
	return v.refs.Add(-1)
}

func (v *Vnode) RefCount() int32 { return v.refs.Load() }

// IsMountpoint reports whether path resolution crossing this vnode must
// switch to the mounted file system's root (spec.md §4.5 Path
// resolution).
func (v *Vnode) IsMountpoint() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Flags&FlagMountpoint != 0
}

// OpenFile is an entry in a vnode's open-file list (spec.md §3 "a list
// of open file-descriptors").
type OpenFile struct {
	Vnode  *Vnode
	Flags  int
	Offset uint64
}
