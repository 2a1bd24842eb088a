// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPv4HeaderRoundTrip(t *testing.T) {
	h := IPv4Header{TTL: 60, Protocol: ProtoUDP, Src: IPv4Addr{10, 0, 0, 1}, Dst: IPv4Addr{10, 0, 0, 2}}
	frame := h.Encode([]byte("payload"))

	got, payload, err := DecodeIPv4(frame)
	require.NoError(t, err)
	assert.Equal(t, h.TTL, got.TTL)
	assert.Equal(t, h.Protocol, got.Protocol)
	assert.Equal(t, h.Src, got.Src)
	assert.Equal(t, h.Dst, got.Dst)
	assert.Equal(t, []byte("payload"), payload)
}

func TestDecodeIPv4RejectsShortFrame(t *testing.T) {
	_, _, err := DecodeIPv4(make([]byte, 10))
	assert.Error(t, err)
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	h := UDPHeader{SrcPort: 33435, DstPort: 33434}
	datagram := h.Encode([]byte("hello"))

	got, payload, err := DecodeUDP(datagram)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []byte("hello"), payload)
}

func TestTCPHeaderRoundTrip(t *testing.T) {
	h := TCPHeader{SrcPort: 5000, DstPort: 80, Seq: 1, Ack: 0, Flags: TCPFlagSYN}
	segment := h.Encode(nil)

	got, payload, err := DecodeTCP(segment)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Empty(t, payload)
}

func TestICMPHeaderWithQuoteRoundTrip(t *testing.T) {
	quoted := IPv4Header{TTL: 58, Protocol: ProtoUDP, Src: IPv4Addr{10, 0, 0, 1}, Dst: IPv4Addr{8, 8, 8, 8}}
	h := ICMPHeader{Type: ICMPTypeTimeExceeded, Code: 0, Quoted: quoted, HasQuote: true}

	got, err := DecodeICMP(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h.Type, got.Type)
	assert.True(t, got.HasQuote)
	assert.Equal(t, quoted.TTL, got.Quoted.TTL)
	assert.Equal(t, quoted.Src, got.Quoted.Src)
}

func TestICMPHeaderWithoutQuote(t *testing.T) {
	h := ICMPHeader{Type: ICMPTypeDestUnreachable, Code: ICMPCodePortUnreachable}
	got, err := DecodeICMP(h.Encode())
	require.NoError(t, err)
	assert.False(t, got.HasQuote)
}
