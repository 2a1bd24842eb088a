// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// WaitOne is Block under the name spec.md §4.6 uses for the single-object
// case ("wait_on_object(hdr) atomically enqueues the current thread as a
// waiter and blocks until signaled").
func (c *Control) WaitOne(ctx context.Context, hdr *irql.WaitableHeader) status.Status {
	return c.Block(ctx, hdr, false)
}

// WaitMany waits on any of hdrs and returns which one fired (spec.md §4.6
// "wait_on_objects(n, [hdr], &signaled)"). The calling thread leaves the
// run queue for the duration, exactly as a single-object wait does.
func (c *Control) WaitMany(ctx context.Context, hdrs []*irql.WaitableHeader) (int, status.Status) {
	c.thr.setState(StateBlocked)
	c.thr.doneCh <- actionBlock

	idx, result := irql.WaitOnObjects(ctx, hdrs)

	c.thr.setState(StateReady)
	c.thr.owner.ready(c.thr, false)
	<-c.thr.runCh
	return idx, irql.ToStatus(result)
}
