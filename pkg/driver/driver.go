// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package driver defines the capability-trait interfaces a driver
// publishes (spec.md §4.4's function table) and the Registry that tracks
// them by capability, keyed the way the teacher's CollectorRegistry keys
// collectors by metric type.
package driver

import (
	"context"

	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/status"
)

// Desc is an opaque per-open-instance descriptor a driver receives back on
// every call (spec.md §4.4: "get_blk_size(desc) -> size" etc. all take a
// descriptor). Concrete drivers define their own underlying type; callers
// never interpret it.
type Desc interface {
	DriverName() string
}

// BlockDevice is the function-table subset spec.md §4.4 names for
// block-addressable storage.
type BlockDevice interface {
	GetBlkSize(desc Desc) uint32
	GetMaxBlkCount(desc Desc) (uint64, status.Status)
	ReadSync(ctx context.Context, desc Desc, buf []byte, nblk uint64, off uint64) (int, status.Status)
	WriteSync(ctx context.Context, desc Desc, buf []byte, nblk uint64, off uint64) (int, status.Status)
}

// CharDevice is the byte-addressable analog of BlockDevice (spec.md §4.4:
// "get_blk_size(desc) -> size (1 for byte-addressable)").
type CharDevice interface {
	ReadSync(ctx context.Context, desc Desc, buf []byte) (int, status.Status)
	WriteSync(ctx context.Context, desc Desc, buf []byte) (int, status.Status)
}

// Ioctl is an optional ("weak") capability: drivers that support
// device-defined opcodes implement it in addition to Block/CharDevice,
// checked with a type assertion before dispatch (spec.md Design Notes'
// "weak symbol" concern, §4.4's Ioctl row).
type Ioctl interface {
	Ioctl(ctx context.Context, desc Desc, req uint32, arg uintptr) (uintptr, status.Status)
	IoctlArgSize(req uint32) (uintptr, status.Status)
}

// IRPSubmitter is implemented by drivers that process I/O through the IRP
// pipeline (pkg/irp) rather than synchronous ReadSync/WriteSync alone —
// typically devices whose completion is asynchronous (USB, network). It
// is exactly pkg/irp.Submitter, restated here so driver authors can read
// the capability-trait set in one file without re-exporting a type alias.
type IRPSubmitter interface {
	SubmitIRP(ctx context.Context, p *irp.Packet) status.Status
	FinalizeIRP(ctx context.Context, p *irp.Packet)
}

var _ irp.Submitter = IRPSubmitter(nil)

// FSDriver is the function-table subset for a mounted file system
// (spec.md §4.4, §4.5).
type FSDriver interface {
	PathSearch(ctx context.Context, out *Desc, dev Desc, name string, parent Desc) status.Status
	ListDir(ctx context.Context, desc Desc, dev Desc, cb func(name string, childType FileType) ListDirAction) status.Status
	MkFile(ctx context.Context, parent Desc, name string, fileType FileType, perms uint32) (Desc, status.Status)
	RemoveFile(ctx context.Context, parent Desc, name string) status.Status
	MoveDescTo(ctx context.Context, desc Desc, newParent Desc, newName string) status.Status
	GetFilePerms(ctx context.Context, desc Desc) (uint32, status.Status)
	SetFilePerms(ctx context.Context, desc Desc, perms uint32) status.Status
	GetFileType(ctx context.Context, desc Desc) (FileType, status.Status)
	GetLinkedPath(ctx context.Context, desc Desc) (string, status.Status)
	StatFSInfo(ctx context.Context, desc Desc) (FSInfo, status.Status)
	Probe(ctx context.Context, dev Desc) status.Status
	VnodeSearch(ctx context.Context, dev Desc, name string, parent Desc) (Desc, status.Status)
}

// FileType enumerates the vnode types spec.md §3/§4.5 distinguish.
type FileType int

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeSymlink
	FileTypeBlockDevice
	FileTypeCharDevice
	FileTypeFIFO
	FileTypeSocket
)

// ListDirAction is returned by the ListDir callback (spec.md §4.4:
// "callback returns CONTINUE or STOP").
type ListDirAction int

const (
	ListDirContinue ListDirAction = iota
	ListDirStop
)

// FSInfo is the result of StatFSInfo.
type FSInfo struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
}

// NetInterfaceDriver is the function-table subset a network interface
// driver publishes (spec.md §4.7 collaborator): raw frame TX/RX beneath
// pkg/netcore's ARP/routing/socket layer.
type NetInterfaceDriver interface {
	HardwareAddr() [6]byte
	MTU() int
	TransmitFrame(ctx context.Context, frame []byte) status.Status
	// ReceiveFrames delivers inbound frames to fn until ctx is canceled.
	ReceiveFrames(ctx context.Context, fn func(frame []byte))
}
