// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/internal/bootcfg"
	"github.com/obos-dev/kernel/internal/kernelpanic"
)

func TestBootAssemblesAndShutsDownCleanly(t *testing.T) {
	cfg, err := bootcfg.Parse([]string{"-num-cpus=1", "-swap-dir="})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	halter := kernelpanic.New(logr.Discard())
	err = boot(ctx, cfg, logr.Discard(), halter)
	assert.NoError(t, err)
}

func TestBootWithTelemetryEnabled(t *testing.T) {
	cfg, err := bootcfg.Parse([]string{"-num-cpus=1", "-swap-dir=", "-enable-telemetry"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	halter := kernelpanic.New(logr.Discard())
	err = boot(ctx, cfg, logr.Discard(), halter)
	assert.NoError(t, err)
}

func TestBootWithoutRamdisk(t *testing.T) {
	cfg, err := bootcfg.Parse([]string{"-num-cpus=1", "-swap-dir=", "-ramdisk=false"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	halter := kernelpanic.New(logr.Discard())
	err = boot(ctx, cfg, logr.Discard(), halter)
	assert.NoError(t, err)
}
