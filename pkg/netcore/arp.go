// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// arpEntry is one cache row: either already resolved, or pending with an
// Event other waiters can block on (spec.md §4.7 "ARP cache (with a
// pending-resolution Event per unresolved IP)").
type arpEntry struct {
	mac      MACAddr
	resolved bool
	event    *irql.WaitableHeader
}

// ARPCache resolves IPv4Addr to MACAddr over a Link, deduplicating
// concurrent resolutions for the same address with
// golang.org/x/sync/singleflight so several sockets racing to reach the
// same unresolved peer collapse into one probe.
type ARPCache struct {
	link Link

	mu      sync.Mutex
	entries map[IPv4Addr]*arpEntry

	group singleflight.Group
}

func newARPCache(link Link) *ARPCache {
	return &ARPCache{link: link, entries: make(map[IPv4Addr]*arpEntry)}
}

// Learn records a resolved mapping, waking any thread parked on that
// address's pending Event (an ARP reply arriving while a Resolve call is
// in flight).
func (c *ARPCache) Learn(ip IPv4Addr, mac MACAddr) {
	c.mu.Lock()
	e, ok := c.entries[ip]
	if !ok {
		e = &arpEntry{event: irql.NewWaitableHeader(true)}
		c.entries[ip] = e
	}
	wasResolved := e.resolved
	e.mac = mac
	e.resolved = true
	c.mu.Unlock()
	if !wasResolved {
		e.event.Signal()
	}
}

// Clear discards every learned and pending mapping (spec.md §6.3 "clear
// ARP cache").
func (c *ARPCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[IPv4Addr]*arpEntry)
}

const arpRequestTimeout = 2 * time.Second

// Resolve returns ip's MAC address, sending an ARP request over the
// interface's Link and waiting for Learn to be called if it is not
// already cached. Concurrent Resolve calls for the same ip share one
// in-flight request.
func (c *ARPCache) Resolve(ctx context.Context, ip IPv4Addr) (MACAddr, status.Status) {
	c.mu.Lock()
	if e, ok := c.entries[ip]; ok && e.resolved {
		mac := e.mac
		c.mu.Unlock()
		return mac, status.New(status.Success, "")
	}
	c.mu.Unlock()

	key := ip.String()
	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		e, ok := c.entries[ip]
		if !ok {
			e = &arpEntry{event: irql.NewWaitableHeader(true)}
			c.entries[ip] = e
		}
		c.mu.Unlock()

		if c.link != nil {
			_ = c.link.Send(encodeARPRequest(ip))
		}

		waitCtx, cancel := context.WithTimeout(ctx, arpRequestTimeout)
		defer cancel()
		result := e.event.Wait(waitCtx)
		if result != irql.WaitSuccess {
			return nil, errARPTimedOut
		}

		c.mu.Lock()
		mac := c.entries[ip].mac
		c.mu.Unlock()
		return mac, nil
	})
	if err != nil {
		return MACAddr{}, status.New(status.HostUnreachable, "netcore: arp resolution failed: "+err.Error())
	}
	return v.(MACAddr), status.New(status.Success, "")
}

var errARPTimedOut = arpTimeoutError{}

type arpTimeoutError struct{}

func (arpTimeoutError) Error() string { return "arp request timed out" }

// encodeARPRequest is a placeholder wire encoding: this module models ARP
// at the cache/event level (spec.md §4.7's concern), not the Ethernet
// frame's exact byte layout, which the original's net/arp.c owns and is
// out of scope here.
func encodeARPRequest(ip IPv4Addr) []byte {
	return append([]byte{0xAA, 0xAA}, ip[:]...)
}
