// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueuedDPCRunsOnNextDrain(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	ran := make(chan any, 1)
	s.QueueDPC(0, DPC{
		Callback: func(ctx context.Context, userdata any) { ran <- userdata },
		Userdata: "payload",
	})

	select {
	case v := <-ran:
		assert.Equal(t, "payload", v)
	case <-time.After(time.Second):
		t.Fatal("DPC never ran")
	}
}

func TestDPCQueueDrainAllEmptiesQueue(t *testing.T) {
	var q dpcQueue
	q.enqueue(DPC{Callback: func(context.Context, any) {}})
	q.enqueue(DPC{Callback: func(context.Context, any) {}})

	assert.Len(t, q.drainAll(), 2)
	assert.Nil(t, q.drainAll())
}
