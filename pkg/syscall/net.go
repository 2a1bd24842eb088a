// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"github.com/obos-dev/kernel/pkg/netcore"
	"github.com/obos-dev/kernel/pkg/status"
)

// GetHostname returns the host-wide name (spec.md §6.3 "get ... hostname").
func (t *Table) GetHostname() string {
	return t.router.Hostname()
}

// SetHostname updates the host-wide name (spec.md §6.3 "set ... hostname").
func (t *Table) SetHostname(nameBuf []byte) status.Status {
	name, st := CopyInString(nameBuf)
	if !st.OK() {
		return st
	}
	t.router.SetHostname(name)
	return status.New(status.Success, "")
}

func (t *Table) iface(name string) (*netcore.Interface, status.Status) {
	iface, ok := t.router.InterfaceByName(name)
	if !ok {
		return nil, status.New(status.NotFound, "syscall: unknown interface")
	}
	return iface, status.New(status.Success, "")
}

// AddIPEntry adds a locally-owned address/subnet pair to ifName (spec.md
// §6.3 "interface ioctl: add ... IP entry").
func (t *Table) AddIPEntry(ifName string, addr, subnet netcore.IPv4Addr) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	iface.AddAddress(addr, subnet)
	return status.New(status.Success, "")
}

// RemoveIPEntry removes a previously-added address from ifName (spec.md
// §6.3 "interface ioctl: remove ... IP entry").
func (t *Table) RemoveIPEntry(ifName string, addr netcore.IPv4Addr) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	if !iface.RemoveAddress(addr) {
		return status.New(status.NotFound, "syscall: address not present on interface")
	}
	return status.New(status.Success, "")
}

// AddRoute registers a next-hop gateway on ifName (spec.md §6.3
// "interface ioctl: add ... route").
func (t *Table) AddRoute(ifName string, gw netcore.Gateway) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	iface.AddGateway(gw)
	return status.New(status.Success, "")
}

// RemoveRoute drops a registered gateway by its Via address (spec.md
// §6.3 "interface ioctl: remove ... route").
func (t *Table) RemoveRoute(ifName string, via netcore.IPv4Addr) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	if !iface.RemoveGateway(via) {
		return status.New(status.NotFound, "syscall: gateway not present on interface")
	}
	return status.New(status.Success, "")
}

// SetDefaultGateway flags via as ifName's default route (spec.md §6.3
// "interface ioctl: set ... default gateway").
func (t *Table) SetDefaultGateway(ifName string, via netcore.IPv4Addr) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	if !iface.SetDefaultGateway(via) {
		return status.New(status.NotFound, "syscall: gateway not present on interface")
	}
	return status.New(status.Success, "")
}

// UnsetDefaultGateway clears ifName's default route flag (spec.md §6.3
// "interface ioctl: ... unset default gateway").
func (t *Table) UnsetDefaultGateway(ifName string) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	iface.UnsetDefaultGateway()
	return status.New(status.Success, "")
}

// ClearARPCache discards ifName's learned and pending ARP mappings
// (spec.md §6.3 "interface ioctl: clear ARP cache").
func (t *Table) ClearARPCache(ifName string) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	iface.ClearARPCache()
	return status.New(status.Success, "")
}

// ClearRouteCache discards ifName's cached gateway routes (spec.md §6.3
// "interface ioctl: clear route cache").
func (t *Table) ClearRouteCache(ifName string) status.Status {
	iface, st := t.iface(ifName)
	if !st.OK() {
		return st
	}
	iface.ClearRouteCache()
	return status.New(status.Success, "")
}
