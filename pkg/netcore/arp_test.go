// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obos-dev/kernel/pkg/status"
)

// fakeLink is an in-memory Link that records every sent frame and lets a
// test deliver frames back through Recv.
type fakeLink struct {
	mu   sync.Mutex
	sent [][]byte
	recv chan []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{recv: make(chan []byte, 16)}
}

func (l *fakeLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, append([]byte(nil), frame...))
	return nil
}

func (l *fakeLink) Recv() <-chan []byte { return l.recv }

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func TestARPCacheLearnThenResolveHitsCache(t *testing.T) {
	link := newFakeLink()
	cache := newARPCache(link)
	ip := IPv4Addr{192, 168, 1, 1}
	mac := MACAddr{0, 1, 2, 3, 4, 5}

	cache.Learn(ip, mac)

	got, st := cache.Resolve(context.Background(), ip)
	require.True(t, st.OK())
	assert.Equal(t, mac, got)
	assert.Zero(t, link.sentCount(), "a cached address should not trigger an ARP request")
}

func TestARPCacheResolveSendsRequestAndWaitsForLearn(t *testing.T) {
	link := newFakeLink()
	cache := newARPCache(link)
	ip := IPv4Addr{192, 168, 1, 2}
	mac := MACAddr{1, 1, 1, 1, 1, 1}

	done := make(chan struct{})
	var got MACAddr
	var st status.Status
	go func() {
		got, st = cache.Resolve(context.Background(), ip)
		close(done)
	}()

	require.Eventually(t, func() bool { return link.sentCount() > 0 }, time.Second, time.Millisecond)
	cache.Learn(ip, mac)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resolve did not return after Learn")
	}
	require.True(t, st.OK())
	assert.Equal(t, mac, got)
}

func TestARPCacheConcurrentResolveDedupesRequests(t *testing.T) {
	link := newFakeLink()
	cache := newARPCache(link)
	ip := IPv4Addr{192, 168, 1, 3}
	mac := MACAddr{2, 2, 2, 2, 2, 2}

	var wg sync.WaitGroup
	results := make([]MACAddr, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mac, st := cache.Resolve(context.Background(), ip)
			require.True(t, st.OK())
			results[i] = mac
		}(i)
	}

	require.Eventually(t, func() bool { return link.sentCount() > 0 }, time.Second, time.Millisecond)
	cache.Learn(ip, mac)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, mac, got)
	}
	assert.Equal(t, 1, link.sentCount(), "concurrent resolves for the same address should collapse into one request")
}

func TestARPCacheResolveTimesOut(t *testing.T) {
	link := newFakeLink()
	cache := newARPCache(link)
	ip := IPv4Addr{192, 168, 1, 4}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, st := cache.Resolve(ctx, ip)
	assert.False(t, st.OK())
	assert.Equal(t, status.HostUnreachable, st.Code())
}
