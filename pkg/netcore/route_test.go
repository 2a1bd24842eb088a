// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInterface(t *testing.T, name string, addr, subnet IPv4Addr) (*Interface, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	iface := NewInterface(name, MACAddr{0, 1, 2, 3, 4, byte(len(name))}, link)
	iface.AddAddress(addr, subnet)
	return iface, link
}

func TestAddressRouteLocalSubnetReturnsDirectTTL(t *testing.T) {
	iface, _ := newTestInterface(t, "eth0", IPv4Addr{10, 0, 0, 1}, IPv4Addr{255, 255, 255, 0})
	r := NewRouter(logr.Discard())
	r.AttachInterface(iface)

	got, result, st := r.AddressRoute(context.Background(), IPv4Addr{10, 0, 0, 42})
	require.True(t, st.OK())
	assert.Same(t, iface, got)
	assert.True(t, result.Local)
	assert.Equal(t, initialDirectTTL, result.TTL)
}

func TestAddressRouteNoRouteReturnsNetUnreachable(t *testing.T) {
	iface, _ := newTestInterface(t, "eth0", IPv4Addr{10, 0, 0, 1}, IPv4Addr{255, 255, 255, 0})
	r := NewRouter(logr.Discard())
	r.AttachInterface(iface)

	_, _, st := r.AddressRoute(context.Background(), IPv4Addr{8, 8, 8, 8})
	assert.False(t, st.OK())
}

func TestAddressRouteSingleGatewayCandidateSkipsProbing(t *testing.T) {
	iface, link := newTestInterface(t, "eth0", IPv4Addr{10, 0, 0, 1}, IPv4Addr{255, 255, 255, 0})
	iface.AddGateway(Gateway{Via: IPv4Addr{10, 0, 0, 254}, Default: true})
	r := NewRouter(logr.Discard())
	r.AttachInterface(iface)

	got, result, st := r.AddressRoute(context.Background(), IPv4Addr{8, 8, 8, 8})
	require.True(t, st.OK())
	assert.Same(t, iface, got)
	assert.False(t, result.Local)
	assert.Equal(t, IPv4Addr{10, 0, 0, 254}, result.Gateway.Via)
	assert.Zero(t, link.sentCount(), "a single candidate gateway needs no traceroute probe")
}

func TestAddressRouteCachesDiscoveredRoute(t *testing.T) {
	iface, link := newTestInterface(t, "eth0", IPv4Addr{10, 0, 0, 1}, IPv4Addr{255, 255, 255, 0})
	iface.AddGateway(Gateway{Dest: IPv4Addr{8, 8, 8, 8}, Via: IPv4Addr{10, 0, 0, 253}})
	iface.AddGateway(Gateway{Via: IPv4Addr{10, 0, 0, 254}, Default: true})
	r := NewRouter(logr.Discard())
	r.AttachInterface(iface)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// Answer every probe the router sends with a PORT_UNREACHABLE reply
	// quoting the probe's own UDP header, so handleICMP can match it back
	// to the pending probe by source port.
	go func() {
		seen := 0
		for seen < 16 {
			if link.sentCount() <= seen {
				time.Sleep(time.Millisecond)
				continue
			}
			link.mu.Lock()
			frame := append([]byte(nil), link.sent[seen]...)
			link.mu.Unlock()
			seen++

			ipHdr, udpPayload, err := DecodeIPv4(frame)
			if err != nil {
				continue
			}
			icmp := ICMPHeader{
				Type:          ICMPTypeDestUnreachable,
				Code:          ICMPCodePortUnreachable,
				HasQuote:      true,
				Quoted:        IPv4Header{TTL: ipHdr.TTL - 2, Protocol: ProtoUDP, Src: ipHdr.Src, Dst: ipHdr.Dst},
				QuotedPayload: udpPayload,
			}
			reply := IPv4Header{TTL: 64, Protocol: ProtoICMP, Src: ipHdr.Dst, Dst: ipHdr.Src}.Encode(icmp.Encode())
			select {
			case link.recv <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	gotIface, result, st := r.AddressRoute(context.Background(), IPv4Addr{8, 8, 8, 8})
	require.True(t, st.OK())
	assert.Same(t, iface, gotIface)
	assert.False(t, result.Local)
	assert.Equal(t, uint8(2), result.Hops)

	// A second lookup should hit the cache without sending any further probes.
	sentBefore := link.sentCount()
	_, _, st = r.AddressRoute(context.Background(), IPv4Addr{8, 8, 8, 8})
	require.True(t, st.OK())
	assert.Equal(t, sentBefore, link.sentCount())
}
