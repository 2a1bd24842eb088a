// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/sched"
)

func TestDetectHostFeaturesNeverFails(t *testing.T) {
	f := DetectHostFeatures()
	require.NotNil(t, f)
	assert.Contains(t, []string{"full", "partial", "none"}, f.CORESupport)
}

func TestParseKernelVersion(t *testing.T) {
	major, minor, patch := parseKernelVersion("5.15.0-generic")
	assert.Equal(t, 5, major)
	assert.Equal(t, 15, minor)
	assert.Equal(t, 0, patch)
}

func TestNewTracerNeverFailsOnUnsupportedHost(t *testing.T) {
	tr := NewTracer(logr.Discard())
	require.NotNil(t, tr)
	require.NotNil(t, tr.Features())

	if !tr.Enabled() {
		_, err := tr.LoadCollection("/nonexistent.o")
		assert.Error(t, err)
		_, err = tr.AttachTracepoint(nil, "sched", "sched_switch")
		assert.Error(t, err)
	}
	assert.NoError(t, tr.DetachAll())
}

func TestTracerImplementsSchedTrace(t *testing.T) {
	var _ sched.Trace = (*Tracer)(nil)
}
