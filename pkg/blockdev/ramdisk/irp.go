// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ramdisk

import (
	"context"

	"github.com/obos-dev/kernel/pkg/driver"
	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/status"
)

// SubmitIRP completes the packet entirely synchronously (spec.md §4.4:
// "Sets irp.evnt and irp.on_event_set (either both null => synchronous
// completed during submit..."), since a ramdisk has no asynchronous
// completion path to model.
func (r *Ramdisk) SubmitIRP(ctx context.Context, p *irp.Packet) status.Status {
	d, ok := p.Device.(driver.Desc)
	if !ok {
		return status.New(status.InvalidArgument, "ramdisk: irp device descriptor missing")
	}

	var n int
	var st status.Status
	switch p.Op {
	case irp.OpRead:
		n, st = r.ReadSync(ctx, d, p.Buf.Bytes(), 0, p.Offset/512)
	case irp.OpWrite:
		n, st = r.WriteSync(ctx, d, p.Buf.Bytes(), 0, p.Offset/512)
	default:
		return status.New(status.InvalidArgument, "ramdisk: unknown irp op")
	}
	p.Bytes = n
	return st
}

func (r *Ramdisk) FinalizeIRP(ctx context.Context, p *irp.Packet) {}

var _ driver.IRPSubmitter = (*Ramdisk)(nil)
