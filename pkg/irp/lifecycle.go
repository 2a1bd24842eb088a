// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irp

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/obos-dev/kernel/internal/kernelpanic"
	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// Submitter is the driver side of the pipeline (spec.md §4.4's
// submit_irp/finalize_irp row), mirrored here without depending on
// pkg/driver so drivers can implement it directly against *Packet.
type Submitter interface {
	SubmitIRP(ctx context.Context, p *Packet) status.Status
	FinalizeIRP(ctx context.Context, p *Packet)
}

// maxRetryRounds bounds the IRP_RETRY loop so a misbehaving driver
// callback cannot spin the calling thread forever (spec.md Design Notes'
// retry-loop concern).
const maxRetryRounds = 8

// Drive runs the full IRP lifecycle spec.md §4.4 and §8 property 7
// describe: submit, then — if the driver armed a completion event and
// callback — wait (racing any detach event the driver or caller armed),
// invoke the callback, and loop while it reports IRP_RETRY, each round
// paced by a bounded exponential backoff. Finalize runs exactly once,
// on every exit path. The driver-supplied submit and callback are both
// run under kernelpanic.Guard so a panicking driver can't take the whole
// simulated machine down with it.
func Drive(ctx context.Context, logger logr.Logger, s Submitter, p *Packet) status.Status {
	var st status.Status
	if crash := kernelpanic.Guard(logger, func() { st = s.SubmitIRP(ctx, p) }); !crash.OK() {
		st = crash
	}
	defer s.FinalizeIRP(ctx, p)

	if p.completion == nil {
		p.Status = st
		return st
	}
	if !st.OK() {
		p.Status = st
		return st
	}

	result, err := backoff.Retry(ctx, func() (status.Status, error) {
		waitStatus := waitOnCompletion(ctx, p)
		if !waitStatus.OK() {
			return waitStatus, nil
		}

		var cbStatus status.Status
		if crash := kernelpanic.Guard(logger, func() { cbStatus = p.callback(ctx, p) }); !crash.OK() {
			return crash, nil
		}
		if status.IsIRPRetry(cbStatus) {
			return cbStatus, errRetry
		}
		return cbStatus, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxRetryRounds))

	if err != nil {
		// Retry budget exhausted; surface the last round's status if we
		// have one, else a generic retry exhaustion.
		if status.IsIRPRetry(result) {
			p.Status = status.New(status.Aborted, "irp: retry budget exhausted")
			return p.Status
		}
		p.Status = status.New(status.InternalError, err.Error())
		return p.Status
	}

	p.Status = result
	return result
}

// errRetry is the sentinel backoff.Retry uses internally to distinguish
// "run another round" from "stop, this is the final result" — it never
// escapes Drive.
var errRetry = retryErr{}

type retryErr struct{}

func (retryErr) Error() string { return "irp retry" }

// waitOnCompletion races the completion header against the detach
// header, first-wins (spec.md §4.6: "detach_event... races with the
// completion event; whichever signals first terminates the wait").
func waitOnCompletion(ctx context.Context, p *Packet) status.Status {
	if p.detach == nil {
		return irql.ToStatus(p.completion.Wait(ctx))
	}

	idx, res := irql.WaitOnObjects(ctx, []*irql.WaitableHeader{p.completion, p.detach})
	if idx == 1 {
		return status.New(status.Aborted, "irp: detach event signaled before completion")
	}
	return irql.ToStatus(res)
}
