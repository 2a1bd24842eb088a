// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry is an optional, host-assisted tracer for the
// scheduler/IRQL subsystem (SPEC_FULL.md §0 "optional host-assisted
// scheduler/IRQL tracing"). A Tracer loads a caller-supplied eBPF object
// file and attaches its programs to host tracepoints or kprobes (such as
// the host kernel's sched_switch), and its OnContextSwitch logs pkg/sched's
// simulated per-CPU context switches, so a developer can line the two up
// in one log stream. The package ships no eBPF programs of its own and
// does not read the attached programs' output. Everything here is
// diagnostic: nothing in pkg/sched or pkg/irql depends on a Tracer being
// attached. When the host lacks CO-RE support NewTracer still succeeds,
// and LoadCollection and the Attach* methods return errors. Grounded on
// the teacher's pkg/ebpf/core.go (CO-RE program loading and
// tracepoint/kprobe attachment) and pkg/ebpf/core/core.go (kernel
// BTF/CO-RE capability detection), merged into one package.
package telemetry

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"
)

// HostFeatures reports the host kernel's CO-RE capabilities (teacher's
// pkg/ebpf/core.detectKernelFeatures, generalized from "should we load
// this one collection" to "can this package attach anything at all").
type HostFeatures struct {
	KernelVersion string
	HasBTF        bool
	BTFPath       string
	CORESupport   string // "full", "partial", "none"
}

// DetectHostFeatures probes /proc/version and /sys/kernel/btf/vmlinux for
// the running kernel's CO-RE capability level. Never returns an error: an
// undetectable kernel is reported as CORESupport "none" rather than
// failing the caller.
func DetectHostFeatures() *HostFeatures {
	f := &HostFeatures{KernelVersion: hostKernelVersion()}

	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		f.HasBTF = true
		f.BTFPath = "/sys/kernel/btf/vmlinux"
	}

	major, minor, _ := parseKernelVersion(f.KernelVersion)
	switch {
	case major > 5 || (major == 5 && minor >= 2):
		f.CORESupport = "full"
	case major == 4 && minor >= 18:
		f.CORESupport = "partial"
	default:
		f.CORESupport = "none"
	}
	return f
}

func hostKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}
	parts := strings.Fields(string(data))
	if len(parts) < 3 {
		return "unknown"
	}
	return parts[2]
}

func parseKernelVersion(version string) (major, minor, patch int) {
	version = strings.SplitN(version, "-", 2)[0]
	nums := strings.Split(version, ".")
	if len(nums) > 0 {
		fmt.Sscanf(nums[0], "%d", &major)
	}
	if len(nums) > 1 {
		fmt.Sscanf(nums[1], "%d", &minor)
	}
	if len(nums) > 2 {
		fmt.Sscanf(nums[2], "%d", &patch)
	}
	return major, minor, patch
}

// Tracer loads eBPF collections and attaches their programs to host
// tracepoints and kprobes, keeping the links for DetachAll (teacher's
// pkg/ebpf/core.CoreManager). It implements pkg/sched.Trace through
// OnContextSwitch, which only logs.
type Tracer struct {
	logger   logr.Logger
	features *HostFeatures
	kernBTF  *btf.Spec

	mu    sync.Mutex
	links []link.Link
	progs map[string]*ebpf.Program
}

// NewTracer probes host CO-RE support and, if present, loads kernel BTF.
// It never fails: a host with no CO-RE support yields a Tracer whose
// LoadCollection and Attach* methods return an error, so callers can
// unconditionally construct
// one and only check Features().CORESupport if they want to skip the
// attempt entirely.
func NewTracer(logger logr.Logger) *Tracer {
	logger = logger.WithName("telemetry")
	features := DetectHostFeatures()

	t := &Tracer{
		logger:   logger,
		features: features,
		progs:    make(map[string]*ebpf.Program),
	}

	if runtime.GOOS != "linux" || features.CORESupport == "none" {
		logger.Info("host lacks CO-RE support, telemetry tracer disabled",
			"os", runtime.GOOS, "kernel", features.KernelVersion)
		return t
	}

	kernBTF, err := btf.LoadKernelSpec()
	if err != nil {
		logger.Info("failed to load kernel BTF, telemetry tracer disabled", "error", err)
		return t
	}
	t.kernBTF = kernBTF
	logger.Info("telemetry tracer ready", "kernel", features.KernelVersion, "core_support", features.CORESupport)
	return t
}

// Features reports the host capabilities this Tracer detected at
// construction.
func (t *Tracer) Features() *HostFeatures { return t.features }

// Enabled reports whether this Tracer can actually attach programs.
func (t *Tracer) Enabled() bool { return t.kernBTF != nil }

// LoadCollection loads objectPath's eBPF collection, applying CO-RE
// relocations against the host's kernel BTF when available.
func (t *Tracer) LoadCollection(objectPath string) (*ebpf.Collection, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("telemetry: tracer disabled on this host")
	}
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("telemetry: loading collection spec: %w", err)
	}
	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{KernelTypes: t.kernBTF},
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: loading collection: %w", err)
	}
	t.mu.Lock()
	for name, prog := range coll.Programs {
		t.progs[name] = prog
	}
	t.mu.Unlock()
	return coll, nil
}

// AttachTracepoint attaches an already-loaded program to a host
// tracepoint (e.g. "sched", "sched_switch"), returning the live link so
// the caller can Close it directly, while also retaining it for
// DetachAll.
func (t *Tracer) AttachTracepoint(prog *ebpf.Program, group, name string) (link.Link, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("telemetry: tracer disabled on this host")
	}
	l, err := link.Tracepoint(link.TracepointOptions{Group: group, Name: name, Program: prog})
	if err != nil {
		return nil, fmt.Errorf("telemetry: attach tracepoint %s:%s: %w", group, name, err)
	}
	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()
	t.logger.V(1).Info("attached tracepoint", "group", group, "name", name)
	return l, nil
}

// AttachKprobe attaches an already-loaded program to a kprobe on symbol.
func (t *Tracer) AttachKprobe(prog *ebpf.Program, symbol string) (link.Link, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("telemetry: tracer disabled on this host")
	}
	l, err := link.Kprobe(link.KprobeOptions{Symbol: symbol, Program: prog})
	if err != nil {
		return nil, fmt.Errorf("telemetry: attach kprobe %s: %w", symbol, err)
	}
	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()
	t.logger.V(1).Info("attached kprobe", "symbol", symbol)
	return l, nil
}

// DetachAll closes every link this Tracer has attached.
func (t *Tracer) DetachAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, l := range t.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("telemetry: closing link: %w", err)
		}
	}
	t.links = t.links[:0]
	return firstErr
}

// OnContextSwitch implements sched.Trace. Wiring it in (Scheduler.SetTrace)
// lets a developer correlate a simulated thread's run with the host
// tracepoints this Tracer has attached, by emitting both into the same
// log stream; it does not itself read the attached programs' ring
// buffers; it is a logging sink, not a correlator. A no-op sched.Trace
// gives no signal at all when telemetry is disabled, so this always runs
// at V(2) regardless of Enabled().
func (t *Tracer) OnContextSwitch(cpuID int, threadID, pid uint64) {
	t.logger.V(2).Info("simulated context switch", "cpu", cpuID, "thread", threadID, "pid", pid)
}

// Close detaches everything this Tracer has attached.
func (t *Tracer) Close() error { return t.DetachAll() }
