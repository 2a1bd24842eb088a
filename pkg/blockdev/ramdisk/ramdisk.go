// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ramdisk is a minimal flat-namespace block device and file
// system driver backed by badger, giving pkg/vfs a real
// driver.BlockDevice + driver.FSDriver to dispatch against end-to-end
// (spec.md §8 testable property 8.F, scenario B) without implementing
// an actual on-disk format such as FAT — that stays out of scope.
package ramdisk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/status"
)

// desc identifies a file within the ramdisk's flat namespace; it
// satisfies driver.Desc.
type desc struct {
	path string
}

func (d desc) DriverName() string { return "ramdisk" }

// entry is the metadata badger stores per path.
type entry struct {
	Type  driver.FileType
	Perms uint32
	Data  []byte
}

// Ramdisk implements driver.BlockDevice and driver.FSDriver over a
// badger keyspace, one key per path. Directories, "/" included, are
// stored as entries of their own; PathSearch and ListDir report only
// paths that have a stored entry.
type Ramdisk struct {
	mu      sync.RWMutex
	logger  logr.Logger
	db      *badger.DB
	nextIno atomic.Uint64
}

// New opens an in-memory ramdisk (production configurations may later
// point this at a real badger directory the way pkg/swap does; the
// scaffold only needs in-memory mode).
func New(logger logr.Logger) (*Ramdisk, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ramdisk: open badger: %w", err)
	}
	r := &Ramdisk{logger: logger.WithName("ramdisk"), db: db}
	r.putEntry("/", entry{Type: driver.FileTypeDirectory, Perms: 0o755})
	return r, nil
}

func (r *Ramdisk) Close() error { return r.db.Close() }

func (r *Ramdisk) key(path string) []byte { return []byte("ramdisk/" + path) }

func (r *Ramdisk) putEntry(path string, e entry) error {
	return r.db.Update(func(txn *badger.Txn) error {
		var buf []byte
		buf = append(buf, byte(e.Type), byte(e.Perms), byte(e.Perms>>8), byte(e.Perms>>16), byte(e.Perms>>24))
		buf = append(buf, e.Data...)
		return txn.Set(r.key(path), buf)
	})
}

func (r *Ramdisk) getEntry(path string) (entry, bool, error) {
	var e entry
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) < 5 {
				return fmt.Errorf("ramdisk: corrupt entry at %s", path)
			}
			e.Type = driver.FileType(val[0])
			e.Perms = uint32(val[1]) | uint32(val[2])<<8 | uint32(val[3])<<16 | uint32(val[4])<<24
			e.Data = append([]byte(nil), val[5:]...)
			return nil
		})
	})
	return e, found, err
}

func (r *Ramdisk) deleteEntry(path string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(r.key(path))
	})
}

// --- driver.BlockDevice ---

func (r *Ramdisk) GetBlkSize(d driver.Desc) uint32 { return 512 }

func (r *Ramdisk) GetMaxBlkCount(d driver.Desc) (uint64, status.Status) {
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
	return (uint64(len(e.Data)) + 511) / 512, status.New(status.Success, "")
}

func (r *Ramdisk) ReadSync(ctx context.Context, d driver.Desc, buf []byte, nblk, off uint64) (int, status.Status) {
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
	byteOff := off * 512
	if byteOff >= uint64(len(e.Data)) {
		return 0, status.New(status.EOF, "")
	}
	n := copy(buf, e.Data[byteOff:])
	return n, status.New(status.Success, "")
}

func (r *Ramdisk) WriteSync(ctx context.Context, d driver.Desc, buf []byte, nblk, off uint64) (int, status.Status) {
	rd, ok := d.(desc)
	if !ok {
		return 0, status.New(status.InvalidArgument, "ramdisk: bad descriptor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, _, err := r.getEntry(rd.path)
	if err != nil {
		return 0, status.Wrap(status.InternalError, err)
	}
	byteOff := off * 512
	need := byteOff + uint64(len(buf))
	if uint64(len(e.Data)) < need {
		grown := make([]byte, need)
		copy(grown, e.Data)
		e.Data = grown
	}
	n := copy(e.Data[byteOff:], buf)
	if err := r.putEntry(rd.path, e); err != nil {
		return 0, status.Wrap(status.InternalError, err)
	}
	return n, status.New(status.Success, "")
}

var _ driver.BlockDevice = (*Ramdisk)(nil)
var _ driver.FSDriver = (*Ramdisk)(nil)
