// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bootcfg is the kernel's boot-time configuration: the simulated
// machine's CPU count, physical memory size, and boot filesystem/swap
// backing, plus the ambient logging knobs. Generalizes the teacher's flat
// package-level `flag` variables (cmd/main.go's init()) into a Config
// struct parsed off its own FlagSet, the same pattern the teacher used for
// its "test-collectors" subcommand (runCollectorTest's `testFlags :=
// flag.NewFlagSet(...)`) rather than the top-level `flag.CommandLine`.
package bootcfg

import (
	"flag"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

const (
	DefaultNumCPUs         = 4
	DefaultPhysMemoryBytes = 256 * 1024 * 1024 // 256 MiB
	DefaultHostname        = "obos"
)

// Config is the simulated machine's boot configuration.
type Config struct {
	NumCPUs         int
	PhysMemoryBytes uint64
	RamdiskEnabled  bool
	SwapDir         string
	Hostname        string
	EnableTelemetry bool
	LogDevelopment  bool
}

// Parse builds a Config from args (typically os.Args[1:]), applying
// defaults for anything unset.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("kernel", flag.ContinueOnError)
	cfg := &Config{}

	fs.IntVar(&cfg.NumCPUs, "num-cpus", DefaultNumCPUs,
		"Number of simulated CPUs")
	fs.Uint64Var(&cfg.PhysMemoryBytes, "phys-memory-bytes", DefaultPhysMemoryBytes,
		"Simulated physical memory size in bytes")
	fs.BoolVar(&cfg.RamdiskEnabled, "ramdisk", true,
		"Mount a badger-backed RAM block device as the boot filesystem")
	fs.StringVar(&cfg.SwapDir, "swap-dir", "",
		"Directory backing the swap store (empty mounts an in-memory store)")
	fs.StringVar(&cfg.Hostname, "hostname", DefaultHostname,
		"Initial network hostname")
	fs.BoolVar(&cfg.EnableTelemetry, "enable-telemetry", false,
		"Attach the host-assisted eBPF scheduler/IRQL tracer, best-effort")
	fs.BoolVar(&cfg.LogDevelopment, "log-development", false,
		"Use zap's development logging config (human-readable, more verbose)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Logger builds the root logr.Logger for the configuration, exactly as
// the teacher's cmd/main.go wires zapr.NewLogger(zap.New(...)), but
// choosing zap's production or development preset from LogDevelopment
// rather than controller-runtime's zap.Options/BindFlags (there is no
// controller-runtime manager in this module to hand the logger to).
func (c *Config) Logger() logr.Logger {
	var zc zap.Config
	if c.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zl, err := zc.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl).WithName("kernel")
}
