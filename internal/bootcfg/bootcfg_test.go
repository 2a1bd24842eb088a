// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bootcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultNumCPUs, cfg.NumCPUs)
	assert.Equal(t, uint64(DefaultPhysMemoryBytes), cfg.PhysMemoryBytes)
	assert.Equal(t, DefaultHostname, cfg.Hostname)
	assert.True(t, cfg.RamdiskEnabled)
	assert.False(t, cfg.EnableTelemetry)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]string{
		"-num-cpus=8",
		"-hostname=test-host",
		"-enable-telemetry",
		"-ramdisk=false",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.NumCPUs)
	assert.Equal(t, "test-host", cfg.Hostname)
	assert.True(t, cfg.EnableTelemetry)
	assert.False(t, cfg.RamdiskEnabled)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"-not-a-flag"})
	assert.Error(t, err)
}

func TestLoggerNeverNil(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	logger := cfg.Logger()
	logger.Info("boot config logger smoke test")
}
