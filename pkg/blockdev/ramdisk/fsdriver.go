// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ramdisk

import (
	"context"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/status"
)

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func (r *Ramdisk) PathSearch(ctx context.Context, out *driver.Desc, dev driver.Desc, name string, parent driver.Desc) status.Status {
	pd, ok := parent.(desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: bad parent descriptor")
	}
	full := joinPath(pd.path, name)
	_, found, err := r.getEntry(full)
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if !found {
		return status.New(status.NotFound, "ramdisk: "+full+" not found")
	}
	*out = desc{path: full}
	return status.New(status.Success, "")
}

func (r *Ramdisk) ListDir(ctx context.Context, d driver.Desc, dev driver.Desc, cb func(name string, childType driver.FileType) driver.ListDirAction) status.Status {
	rd, ok := d.(desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	prefix := rd.path
	if prefix != "/" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		keyPrefix := r.key(prefix)
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			full := strings.TrimPrefix(string(it.Item().Key()), "ramdisk/")
			rest := strings.TrimPrefix(full, prefix)
			if rest == "" {
				continue
			}
			name := firstComponent(rest)
			if seen[name] {
				continue
			}
			seen[name] = true

			childPath := joinPath(strings.TrimSuffix(prefix, "/"), name)
			if childPath == "" {
				childPath = "/" + name
			}
			e, found, err := r.getEntry(childPath)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if cb(name, e.Type) == driver.ListDirStop {
				break
			}
		}
		return nil
	})
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	return status.New(status.Success, "")
}

// firstComponent returns the first "/"-delimited segment of rest, so a
// deeply nested key under a prefix still collapses onto its immediate
// child directory name.
func firstComponent(rest string) string {
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest
	}
	return rest[:idx]
}

func (r *Ramdisk) MkFile(ctx context.Context, parent driver.Desc, name string, fileType driver.FileType, perms uint32) (driver.Desc, status.Status) {
	pd, ok := parent.(desc)
	if !ok {
		return nil, status.New(status.InvalidArgument, "ramdisk: bad parent descriptor")
	}
	full := joinPath(pd.path, name)
	if _, found, _ := r.getEntry(full); found {
		return nil, status.New(status.AlreadyInitialized, "ramdisk: "+full+" already exists")
	}
	if err := r.putEntry(full, entry{Type: fileType, Perms: perms}); err != nil {
		return nil, status.Wrap(status.InternalError, err)
	}
	return desc{path: full}, status.New(status.Success, "")
}

func (r *Ramdisk) RemoveFile(ctx context.Context, parent driver.Desc, name string) status.Status {
	pd, ok := parent.(desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: bad parent descriptor")
	}
	full := joinPath(pd.path, name)
	if _, found, _ := r.getEntry(full); !found {
		return status.New(status.NotFound, "ramdisk: "+full+" not found")
	}
	if err := r.deleteEntry(full); err != nil {
		return status.Wrap(status.InternalError, err)
	}
	return status.New(status.Success, "")
}

func (r *Ramdisk) MoveDescTo(ctx context.Context, d driver.Desc, newParent driver.Desc, newName string) status.Status {
	rd, ok := d.(desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	np, ok := newParent.(desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: bad new-parent descriptor")
	}
	e, found, err := r.getEntry(rd.path)
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if !found {
		return status.New(status.NotFound, "")
	}
	dst := joinPath(np.path, newName)
	if err := r.putEntry(dst, e); err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if err := r.deleteEntry(rd.path); err != nil {
		return status.Wrap(status.InternalError, err)
	}
	return status.New(status.Success, "")
}

func (r *Ramdisk) GetFilePerms(ctx context.Context, d driver.Desc) (uint32, status.Status) {
	rd, ok := d.(desc)
	if !ok {
		return 0, status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	e, found, err := r.getEntry(rd.path)
	if err != nil {
		return 0, status.Wrap(status.InternalError, err)
	}
	if !found {
		return 0, status.New(status.NotFound, "")
	}
	return e.Perms, status.New(status.Success, "")
}

func (r *Ramdisk) SetFilePerms(ctx context.Context, d driver.Desc, perms uint32) status.Status {
	rd, ok := d.(desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	e, found, err := r.getEntry(rd.path)
	if err != nil {
		return status.Wrap(status.InternalError, err)
	}
	if !found {
		return status.New(status.NotFound, "")
	}
	e.Perms = perms
	if err := r.putEntry(rd.path, e); err != nil {
		return status.Wrap(status.InternalError, err)
	}
	return status.New(status.Success, "")
}

func (r *Ramdisk) GetFileType(ctx context.Context, d driver.Desc) (driver.FileType, status.Status) {
	rd, ok := d.(desc)
	if !ok {
		return 0, status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	e, found, err := r.getEntry(rd.path)
	if err != nil {
		return 0, status.Wrap(status.InternalError, err)
	}
	if !found {
		return 0, status.New(status.NotFound, "")
	}
	return e.Type, status.New(status.Success, "")
}

func (r *Ramdisk) GetLinkedPath(ctx context.Context, d driver.Desc) (string, status.Status) {
	rd, ok := d.(desc)
	if !ok {
		return "", status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	e, found, err := r.getEntry(rd.path)
	if err != nil {
		return "", status.Wrap(status.InternalError, err)
	}
	if !found {
		return "", status.New(status.NotFound, "")
	}
	return string(e.Data), status.New(status.Success, "")
}

func (r *Ramdisk) StatFSInfo(ctx context.Context, d driver.Desc) (driver.FSInfo, status.Status) {
	return driver.FSInfo{BlockSize: 512, TotalBlocks: 1 << 20, FreeBlocks: 1 << 19}, status.New(status.Success, "")
}

// Probe always claims the device: the ramdisk is its own block device
// and does not need to sniff an on-disk superblock the way a real FAT
// driver would (spec.md §4.5 Mount: "the probe phase... offers each the
// device vnode via probe; the first to claim becomes the fs driver").
func (r *Ramdisk) Probe(ctx context.Context, dev driver.Desc) status.Status {
	return status.New(status.Success, "")
}

func (r *Ramdisk) VnodeSearch(ctx context.Context, dev driver.Desc, name string, parent driver.Desc) (driver.Desc, status.Status) {
	if name == "/" {
		return desc{path: "/"}, status.New(status.Success, "")
	}
	pd, _ := parent.(desc)
	full := joinPath(pd.path, name)
	if _, found, err := r.getEntry(full); err != nil {
		return nil, status.Wrap(status.InternalError, err)
	} else if !found {
		return nil, status.New(status.NotFound, "")
	}
	return desc{path: full}, status.New(status.Success, "")
}
