// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package driver

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Registry tracks registered drivers keyed by name and capability, and
// drives the FS-probe list in registration order (spec.md §4.5 "mounting
// without an explicit fs type probes registered file systems"). Grounded
// on the teacher's CollectorRegistry: refuse nil, refuse a duplicate name
// across any capability map, one mutex guarding all of it.
type Registry struct {
	mu sync.RWMutex

	logger logr.Logger

	blockDevices map[string]BlockDevice
	charDevices  map[string]CharDevice
	fsDrivers    map[string]FSDriver
	netDrivers   map[string]NetInterfaceDriver

	// fsProbeOrder is the registration order of fsDrivers, walked by Mount
	// when no explicit file system type is given.
	fsProbeOrder []string

	names map[string]bool // every registered name, across all capabilities
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		logger:       logger.WithName("driver-registry"),
		blockDevices: make(map[string]BlockDevice),
		charDevices:  make(map[string]CharDevice),
		fsDrivers:    make(map[string]FSDriver),
		netDrivers:   make(map[string]NetInterfaceDriver),
		names:        make(map[string]bool),
	}
}

func (r *Registry) checkNameLocked(name string) error {
	if name == "" {
		return fmt.Errorf("driver name must not be empty")
	}
	if r.names[name] {
		return fmt.Errorf("driver %q already registered", name)
	}
	return nil
}

func (r *Registry) RegisterBlockDevice(name string, d BlockDevice) error {
	if d == nil {
		return fmt.Errorf("cannot register nil block device")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.blockDevices[name] = d
	r.names[name] = true
	r.logger.Info("registered block device", "name", name)
	return nil
}

func (r *Registry) RegisterCharDevice(name string, d CharDevice) error {
	if d == nil {
		return fmt.Errorf("cannot register nil char device")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.charDevices[name] = d
	r.names[name] = true
	r.logger.Info("registered char device", "name", name)
	return nil
}

func (r *Registry) RegisterFSDriver(name string, d FSDriver) error {
	if d == nil {
		return fmt.Errorf("cannot register nil fs driver")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.fsDrivers[name] = d
	r.names[name] = true
	r.fsProbeOrder = append(r.fsProbeOrder, name)
	r.logger.Info("registered fs driver", "name", name)
	return nil
}

func (r *Registry) RegisterNetInterfaceDriver(name string, d NetInterfaceDriver) error {
	if d == nil {
		return fmt.Errorf("cannot register nil network interface driver")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.netDrivers[name] = d
	r.names[name] = true
	r.logger.Info("registered network interface driver", "name", name)
	return nil
}

func (r *Registry) BlockDevice(name string) BlockDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blockDevices[name]
}

func (r *Registry) CharDevice(name string) CharDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.charDevices[name]
}

func (r *Registry) FSDriverByName(name string) FSDriver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fsDrivers[name]
}

func (r *Registry) NetInterfaceDriver(name string) NetInterfaceDriver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.netDrivers[name]
}

// FSDriversInProbeOrder returns registered file system drivers in
// registration order, for Mount's auto-probe path (spec.md §4.5).
func (r *Registry) FSDriversInProbeOrder() []FSDriver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FSDriver, 0, len(r.fsProbeOrder))
	for _, name := range r.fsProbeOrder {
		out = append(out, r.fsDrivers[name])
	}
	return out
}
