// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package netcore implements the network core (spec.md §4.7): per-interface
// state, the ARP cache, the routing table and its traceroute-based gateway
// discovery, and the UDP/TCP socket dispatch that plugs into pkg/vfs's
// socket-vnode integration. Grounded on
// _examples/original_source/src/oboskrnl/net/route.c for the routing
// algorithm and on the teacher's pkg/performance/collectors/tcp.go for the
// TCP connection-state enum, adapted from *observed* kernel state to
// *owned* kernel state.
package netcore

import (
	"fmt"
	"sync"
)

// IPv4Addr is a 4-byte big-endian IPv4 address.
type IPv4Addr [4]byte

func (a IPv4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

func (a IPv4Addr) Masked(subnet IPv4Addr) IPv4Addr {
	var out IPv4Addr
	for i := range out {
		out[i] = a[i] & subnet[i]
	}
	return out
}

func (a IPv4Addr) Equal(b IPv4Addr) bool { return a == b }

// MACAddr is a 6-byte Ethernet hardware address.
type MACAddr [6]byte

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

var BroadcastMAC = MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IPTableEntry is a locally-owned address on an Interface (original
// source's ip_table_entry: "address" + "subnet").
type IPTableEntry struct {
	Address IPv4Addr
	Subnet  IPv4Addr
}

// Gateway is a next-hop entry (original source's "gateway": src reachable
// via dest_ent through this interface).
type Gateway struct {
	Dest    IPv4Addr
	Via     IPv4Addr
	Default bool
}

// Interface is one network interface's owned state (original source's
// net_tables, trimmed to the routing/ARP/socket-dispatch fields this
// module needs — the packet-dispatch-thread and fragment-reassembly
// fields are out of scope per spec.md §1 Non-goals).
type Interface struct {
	Name string
	MAC  MACAddr
	Link Link

	mu       sync.Mutex
	addrs    []IPTableEntry
	gateways []Gateway

	arp    *ARPCache
	routes *routeTable
}

// Link is the minimal send/receive surface AddressRoute's probes and the
// ARP resolver need from a NIC. A real implementation would submit IRPs to
// a driver-backed NIC vnode (spec.md §4.5); LoopbackLink backs the "lo"
// interface cmd/kernel attaches at boot, and the package tests use their
// own in-process Link types.
type Link interface {
	Send(frame []byte) error
	Recv() <-chan []byte
}

func NewInterface(name string, mac MACAddr, link Link) *Interface {
	return &Interface{
		Name:   name,
		MAC:    mac,
		Link:   link,
		arp:    newARPCache(link),
		routes: newRouteTable(),
	}
}

// AddAddress registers a locally-owned address/subnet pair.
func (i *Interface) AddAddress(addr, subnet IPv4Addr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.addrs = append(i.addrs, IPTableEntry{Address: addr, Subnet: subnet})
}

// RemoveAddress drops a previously-registered address, used by the
// interface-ioctl syscalls' "remove IP entry" operation.
func (i *Interface) RemoveAddress(addr IPv4Addr) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, e := range i.addrs {
		if e.Address.Equal(addr) {
			i.addrs = append(i.addrs[:idx], i.addrs[idx+1:]...)
			return true
		}
	}
	return false
}

// AddGateway registers a next-hop gateway, optionally as the default
// route a destination-agnostic probe should try last.
func (i *Interface) AddGateway(gw Gateway) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.gateways = append(i.gateways, gw)
}

// RemoveGateway drops a registered gateway by Via address, used by the
// interface-ioctl syscalls' "remove route" operation.
func (i *Interface) RemoveGateway(via IPv4Addr) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, gw := range i.gateways {
		if gw.Via.Equal(via) {
			i.gateways = append(i.gateways[:idx], i.gateways[idx+1:]...)
			return true
		}
	}
	return false
}

// SetDefaultGateway flags via as the interface's default route, clearing
// the Default bit on any previous default (spec.md §6.3 "set ... default
// gateway").
func (i *Interface) SetDefaultGateway(via IPv4Addr) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	found := false
	for idx, gw := range i.gateways {
		if gw.Via.Equal(via) {
			i.gateways[idx].Default = true
			found = true
		} else {
			i.gateways[idx].Default = false
		}
	}
	return found
}

// UnsetDefaultGateway clears the Default bit on every registered gateway.
func (i *Interface) UnsetDefaultGateway() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := range i.gateways {
		i.gateways[idx].Default = false
	}
}

// ClearARPCache discards every learned and pending ARP mapping.
func (i *Interface) ClearARPCache() { i.arp.Clear() }

// ClearRouteCache discards every cached gateway route discovered by
// AddressRoute's traceroute probing.
func (i *Interface) ClearRouteCache() { i.routes.clear() }

// Gateways returns a snapshot of the interface's registered gateways.
func (i *Interface) Gateways() []Gateway {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Gateway, len(i.gateways))
	copy(out, i.gateways)
	return out
}

// HasAddress reports whether addr is one of the interface's own
// locally-owned addresses (original source's interface_has_address).
func (i *Interface) HasAddress(addr IPv4Addr) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range i.addrs {
		if e.Address.Equal(addr) {
			return true
		}
	}
	return false
}

// localEntry returns the owned IPTableEntry whose subnet covers dest, if
// any (original source's "Check local ip table entries").
func (i *Interface) localEntry(dest IPv4Addr) (IPTableEntry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range i.addrs {
		if e.Address.Masked(e.Subnet) == dest.Masked(e.Subnet) {
			return e, true
		}
	}
	return IPTableEntry{}, false
}

// ARP exposes the interface's resolver for callers building an Ethernet
// frame from a resolved next hop.
func (i *Interface) ARP() *ARPCache { return i.arp }
