// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// initialDirectTTL and initialGatewayTTL are the original's literal
// constants (_examples/original_source/src/oboskrnl/net/route.c:
// "*ttl = 64" for a direct/local route, "r->ttl = 60; /* initial TTL */"
// for a gateway candidate).
const (
	initialDirectTTL  uint8 = 64
	initialGatewayTTL uint8 = 60

	probeTimeout  = 500 * time.Millisecond
	probeBasePort = 33435
)

// RouteResult is what AddressRoute resolves a destination to: either one
// of the interface's own subnets (direct delivery) or a gateway reached
// through routediscovery.
type RouteResult struct {
	Local      bool
	LocalEntry IPTableEntry
	Gateway    Gateway
	TTL        uint8
	Hops       uint8
}

// cachedRoute is a previously-discovered gateway route, keyed by
// destination (original source's RB-tree "cached_routes").
type cachedRoute struct {
	gw   Gateway
	ttl  uint8
	hops uint8
}

type routeTable struct {
	mu     sync.Mutex
	cached map[IPv4Addr]cachedRoute
}

func newRouteTable() *routeTable {
	return &routeTable{cached: make(map[IPv4Addr]cachedRoute)}
}

// clear discards every cached gateway route (spec.md §6.3 "clear route
// cache").
func (t *routeTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cached = make(map[IPv4Addr]cachedRoute)
}

// Router owns every attached Interface's routing/ARP lookups and the
// traceroute-style probes AddressRoute uses to discover an unknown
// gateway route (spec.md §4.7).
type Router struct {
	logger logr.Logger

	mu         sync.Mutex
	interfaces []*Interface

	hostMu   sync.Mutex
	hostname string

	probeMu       sync.Mutex
	nextProbePort uint16
	pending       map[uint16]*pendingProbe

	group singleflight.Group

	demux *demux

	notifyMu sync.Mutex
	notify   ObjectNotifier
}

// ObjectNotifier is an optional observer notified whenever AddressRoute
// caches a newly-discovered gateway route. internal/intake's kernel
// delta notifier implements this to publish route-cache updates
// alongside process and vnode lifecycle deltas.
type ObjectNotifier interface {
	NotifyRouteUpdate(ifaceName string, dest IPv4Addr)
}

// SetObjectNotifier installs (or, passed nil, removes) the Router's
// optional ObjectNotifier.
func (r *Router) SetObjectNotifier(n ObjectNotifier) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notify = n
}

func (r *Router) notifyRouteUpdate(ifaceName string, dest IPv4Addr) {
	r.notifyMu.Lock()
	n := r.notify
	r.notifyMu.Unlock()
	if n != nil {
		n.NotifyRouteUpdate(ifaceName, dest)
	}
}

type pendingProbe struct {
	resp *irql.WaitableHeader
	mu   sync.Mutex
	icmp ICMPHeader
}

func NewRouter(logger logr.Logger) *Router {
	return &Router{
		logger:        logger,
		nextProbePort: probeBasePort,
		pending:       make(map[uint16]*pendingProbe),
		demux:         newDemux(),
	}
}

func (r *Router) AttachInterface(iface *Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interfaces = append(r.interfaces, iface)
}

// Interfaces returns a snapshot of every attached interface, used by the
// networking syscalls to resolve an ioctl's target by name.
func (r *Router) Interfaces() []*Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Interface, len(r.interfaces))
	copy(out, r.interfaces)
	return out
}

// InterfaceByName returns the attached interface with the given name, if
// any.
func (r *Router) InterfaceByName(name string) (*Interface, bool) {
	for _, iface := range r.Interfaces() {
		if iface.Name == name {
			return iface, true
		}
	}
	return nil, false
}

// Hostname returns the host-wide name set by SetHostname (spec.md §6.3
// "get/set hostname"), defaulting to the empty string.
func (r *Router) Hostname() string {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()
	return r.hostname
}

// SetHostname updates the host-wide name.
func (r *Router) SetHostname(name string) {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()
	r.hostname = name
}

// Start launches one receive-loop goroutine per attached interface
// (original source's per-NIC dispatcher thread, trimmed to the ICMP
// probe-response path this module needs).
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	ifaces := append([]*Interface(nil), r.interfaces...)
	r.mu.Unlock()
	for _, iface := range ifaces {
		iface := iface
		go r.recvLoop(ctx, iface)
	}
}

func (r *Router) recvLoop(ctx context.Context, iface *Interface) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-iface.Link.Recv():
			if !ok {
				return
			}
			r.handleFrame(frame)
		}
	}
}

func (r *Router) handleFrame(frame []byte) {
	hdr, payload, err := DecodeIPv4(frame)
	if err != nil {
		return
	}
	switch hdr.Protocol {
	case ProtoICMP:
		r.handleICMP(payload)
	case ProtoUDP:
		udpHdr, udpPayload, err := DecodeUDP(payload)
		if err == nil {
			r.demux.deliverUDP(hdr, udpHdr, udpPayload)
		}
	case ProtoTCP:
		tcpHdr, tcpPayload, err := DecodeTCP(payload)
		if err == nil {
			r.demux.deliverTCP(hdr, tcpHdr, tcpPayload, r.ifaceFor(hdr.Dst))
		}
	}
}

// ifaceFor returns whichever attached interface owns dst, used to
// populate a freshly-accepted TCP connection's outbound interface.
func (r *Router) ifaceFor(dst IPv4Addr) *Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, iface := range r.interfaces {
		if iface.HasAddress(dst) {
			return iface
		}
	}
	if len(r.interfaces) > 0 {
		return r.interfaces[0]
	}
	return nil
}

// handleICMP matches an incoming TIME_EXCEEDED/DEST_UNREACHABLE against
// the pending probe whose UDP source port appears in the quoted packet
// (original source: "ip_header* ip_hdr = (void*)icmp_hdr->data").
func (r *Router) handleICMP(payload []byte) {
	icmpHdr, err := DecodeICMP(payload)
	if err != nil || !icmpHdr.HasQuote || len(icmpHdr.QuotedPayload) < 2 {
		return
	}
	port := binary.BigEndian.Uint16(icmpHdr.QuotedPayload[0:2])

	r.probeMu.Lock()
	p, ok := r.pending[port]
	r.probeMu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.icmp = icmpHdr
	p.mu.Unlock()
	p.resp.Signal()
}

func (r *Router) allocProbePort() uint16 {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	port := r.nextProbePort
	r.nextProbePort++
	return port
}

// AddressRoute resolves how to reach dest: a direct local subnet match, a
// cached gateway route, or — failing both — a fresh traceroute-style probe
// across every attached interface's gateways (original source's
// NetH_AddressRoute).
func (r *Router) AddressRoute(ctx context.Context, dest IPv4Addr) (*Interface, RouteResult, status.Status) {
	r.mu.Lock()
	ifaces := append([]*Interface(nil), r.interfaces...)
	r.mu.Unlock()

	for _, iface := range ifaces {
		if entry, ok := iface.localEntry(dest); ok {
			return iface, RouteResult{Local: true, LocalEntry: entry, TTL: initialDirectTTL}, status.New(status.Success, "")
		}
	}
	for _, iface := range ifaces {
		iface.routes.mu.Lock()
		cr, ok := iface.routes.cached[dest]
		iface.routes.mu.Unlock()
		if ok {
			return iface, RouteResult{Gateway: cr.gw, TTL: cr.ttl, Hops: cr.hops}, status.New(status.Success, "")
		}
	}

	v, err, _ := r.group.Do(dest.String(), func() (any, error) {
		return r.discoverRoute(ctx, ifaces, dest)
	})
	if err != nil {
		return nil, RouteResult{}, status.New(status.NetUnreachable, "netcore: "+err.Error())
	}
	found := v.(discoveredRoute)
	found.iface.routes.mu.Lock()
	found.iface.routes.cached[dest] = cachedRoute{gw: found.result.Gateway, ttl: found.result.TTL, hops: found.result.Hops}
	found.iface.routes.mu.Unlock()
	r.notifyRouteUpdate(found.iface.Name, dest)
	return found.iface, found.result, status.New(status.Success, "")
}

type discoveredRoute struct {
	iface  *Interface
	result RouteResult
}

type routeCandidate struct {
	iface *Interface
	gw    Gateway
	ttl   uint8
}

var errNoRoute = routeError("no route to host")

type routeError string

func (e routeError) Error() string { return string(e) }

// discoverRoute builds every candidate gateway across ifaces, probes each
// with a doubling-TTL UDP traceroute, and keeps whichever yields the most
// hops (original source's "Try each route" loop).
func (r *Router) discoverRoute(ctx context.Context, ifaces []*Interface, dest IPv4Addr) (discoveredRoute, error) {
	var candidates []routeCandidate
	for _, iface := range ifaces {
		var dflt *Gateway
		for _, gw := range iface.Gateways() {
			gw := gw
			if gw.Default {
				dflt = &gw
				continue
			}
			if gw.Dest.Equal(dest) {
				candidates = append(candidates, routeCandidate{iface: iface, gw: gw, ttl: initialGatewayTTL})
			}
		}
		if dflt != nil {
			candidates = append(candidates, routeCandidate{iface: iface, gw: *dflt, ttl: initialGatewayTTL})
		}
	}
	if len(candidates) == 0 {
		return discoveredRoute{}, errNoRoute
	}
	if len(candidates) == 1 {
		return discoveredRoute{iface: candidates[0].iface, result: RouteResult{Gateway: candidates[0].gw, TTL: candidates[0].ttl}}, nil
	}

	var best *routeCandidate
	var bestHops uint8
	for idx := range candidates {
		cand := candidates[idx]
		hops, ok, err := r.probeWithRetry(ctx, dest, &cand)
		if err != nil {
			return discoveredRoute{}, err
		}
		if !ok {
			continue
		}
		if best == nil || hops > bestHops {
			c := cand
			best = &c
			bestHops = hops
		}
	}
	if best == nil {
		return discoveredRoute{}, errNoRoute
	}
	return discoveredRoute{iface: best.iface, result: RouteResult{Gateway: best.gw, TTL: best.ttl, Hops: bestHops}}, nil
}

// probeWithRetry sends one traceroute probe, and on a TIME_EXCEEDED or
// other non-PORT_UNREACHABLE response doubles the candidate's TTL and
// tries exactly once more (original source's "tried_again" flag), backed
// by backoff/v5 to pace the retry rather than spinning immediately.
func (r *Router) probeWithRetry(ctx context.Context, dest IPv4Addr, cand *routeCandidate) (hops uint8, ok bool, err error) {
	result, opErr := backoff.Retry(ctx, func() (probeOutcome, error) {
		out := r.probeOnce(ctx, dest, cand)
		if out.retry {
			cand.ttl *= 2
			return out, errRetryProbe
		}
		return out, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(2))
	if opErr != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		// Retries exhausted without a usable reply: this candidate simply
		// didn't pan out, not a fatal error for the whole discovery.
		return 0, false, nil
	}
	return result.hops, result.matched, nil
}

var errRetryProbe = routeError("probe needs retry")

type probeOutcome struct {
	matched bool
	hops    uint8
	retry   bool
}

// probeOnce sends one UDP packet toward dest with cand.ttl and classifies
// whatever ICMP response (if any) arrives within probeTimeout (original
// source: TIME_EXCEEDED => error+retry, DEST_UNREACHABLE with
// PORT_UNREACHABLE/PROTOCOL_UNREACHABLE/ADMIN_FILTERED => hop count from
// the quoted IP header's TTL, anything else => error+retry).
func (r *Router) probeOnce(ctx context.Context, dest IPv4Addr, cand *routeCandidate) probeOutcome {
	port := r.allocProbePort()
	p := &pendingProbe{resp: irql.NewWaitableHeader(true)}
	r.probeMu.Lock()
	r.pending[port] = p
	r.probeMu.Unlock()
	defer func() {
		r.probeMu.Lock()
		delete(r.pending, port)
		r.probeMu.Unlock()
	}()

	udp := UDPHeader{SrcPort: port, DstPort: 33434}.Encode(nil)
	ip := IPv4Header{TTL: cand.ttl, Protocol: ProtoUDP, Src: cand.iface.MAC.asPseudoIP(), Dst: dest}.Encode(udp)
	if cand.iface.Link != nil {
		_ = cand.iface.Link.Send(ip)
	}

	waitCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if p.resp.Wait(waitCtx) != irql.WaitSuccess {
		return probeOutcome{retry: true}
	}

	p.mu.Lock()
	icmpHdr := p.icmp
	p.mu.Unlock()

	switch {
	case icmpHdr.Type == ICMPTypeTimeExceeded:
		return probeOutcome{retry: true}
	case icmpHdr.Type == ICMPTypeDestUnreachable &&
		(icmpHdr.Code == ICMPCodePortUnreachable || icmpHdr.Code == ICMPCodeProtocolUnreachable || icmpHdr.Code == ICMPCodeCommunicationAdminFiltered):
		if !icmpHdr.HasQuote {
			return probeOutcome{retry: true}
		}
		hops := cand.ttl - icmpHdr.Quoted.TTL
		return probeOutcome{matched: true, hops: hops}
	default:
		return probeOutcome{retry: true}
	}
}

// asPseudoIP is a placeholder source-address derivation used only to fill
// the probe packet's IPv4 header: a real interface carries its own bound
// IPTableEntry as the source, which the caller plumbs in once one exists.
func (m MACAddr) asPseudoIP() IPv4Addr {
	return IPv4Addr{m[2], m[3], m[4], m[5]}
}
