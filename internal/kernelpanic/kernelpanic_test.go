// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernelpanic

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/obos-dev/kernel/pkg/status"
)

func TestGuardReturnsSuccessWhenFnDoesNotPanic(t *testing.T) {
	ran := false
	st := Guard(logr.Discard(), func() { ran = true })
	assert.True(t, ran)
	assert.True(t, st.OK())
}

func TestGuardRecoversPanicAsInternalError(t *testing.T) {
	st := Guard(logr.Discard(), func() { panic("driver callback exploded") })
	assert.Equal(t, status.InternalError, st.Code())
}

func TestArmWithoutFatalDoesNothing(t *testing.T) {
	h := New(logr.Discard())
	h.Arm(func() {})
}
