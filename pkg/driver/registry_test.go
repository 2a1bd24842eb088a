// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/status"
)

type fakeFSDriver struct{ name string }

func (f *fakeFSDriver) PathSearch(ctx context.Context, out *Desc, dev Desc, name string, parent Desc) status.Status {
	return status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) ListDir(ctx context.Context, desc Desc, dev Desc, cb func(string, FileType) ListDirAction) status.Status {
	return status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) MkFile(ctx context.Context, parent Desc, name string, fileType FileType, perms uint32) (Desc, status.Status) {
	return nil, status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) RemoveFile(ctx context.Context, parent Desc, name string) status.Status {
	return status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) MoveDescTo(ctx context.Context, desc Desc, newParent Desc, newName string) status.Status {
	return status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) GetFilePerms(ctx context.Context, desc Desc) (uint32, status.Status) {
	return 0, status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) SetFilePerms(ctx context.Context, desc Desc, perms uint32) status.Status {
	return status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) GetFileType(ctx context.Context, desc Desc) (FileType, status.Status) {
	return FileTypeRegular, status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) GetLinkedPath(ctx context.Context, desc Desc) (string, status.Status) {
	return "", status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) StatFSInfo(ctx context.Context, desc Desc) (FSInfo, status.Status) {
	return FSInfo{}, status.New(status.Unimplemented, "")
}
func (f *fakeFSDriver) Probe(ctx context.Context, dev Desc) status.Status {
	return status.New(status.Success, "")
}
func (f *fakeFSDriver) VnodeSearch(ctx context.Context, dev Desc, name string, parent Desc) (Desc, status.Status) {
	return nil, status.New(status.Unimplemented, "")
}

func TestRegisterFSDriverRejectsNilAndDuplicateName(t *testing.T) {
	r := NewRegistry(logr.Discard())
	assert.Error(t, r.RegisterFSDriver("ramfs", nil))

	require.NoError(t, r.RegisterFSDriver("ramfs", &fakeFSDriver{name: "ramfs"}))
	assert.Error(t, r.RegisterFSDriver("ramfs", &fakeFSDriver{name: "ramfs"}))
}

type fakeBlockDevice struct{}

func (fakeBlockDevice) GetBlkSize(desc Desc) uint32 { return 512 }
func (fakeBlockDevice) GetMaxBlkCount(desc Desc) (uint64, status.Status) {
	return 0, status.New(status.Unimplemented, "")
}
func (fakeBlockDevice) ReadSync(ctx context.Context, desc Desc, buf []byte, nblk, off uint64) (int, status.Status) {
	return 0, status.New(status.Unimplemented, "")
}
func (fakeBlockDevice) WriteSync(ctx context.Context, desc Desc, buf []byte, nblk, off uint64) (int, status.Status) {
	return 0, status.New(status.Unimplemented, "")
}

func TestDuplicateNameRejectedAcrossCapabilities(t *testing.T) {
	r := NewRegistry(logr.Discard())
	require.NoError(t, r.RegisterFSDriver("dev0", &fakeFSDriver{}))
	assert.Error(t, r.RegisterBlockDevice("dev0", fakeBlockDevice{}))
}

func TestFSDriversInProbeOrderMatchesRegistration(t *testing.T) {
	r := NewRegistry(logr.Discard())
	require.NoError(t, r.RegisterFSDriver("first", &fakeFSDriver{name: "first"}))
	require.NoError(t, r.RegisterFSDriver("second", &fakeFSDriver{name: "second"}))

	order := r.FSDriversInProbeOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "first", order[0].(*fakeFSDriver).name)
	assert.Equal(t, "second", order[1].(*fakeFSDriver).name)
}
