// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"encoding/binary"
	"fmt"
)

// Protocol numbers used in the IPv4 header's Protocol field (spec.md §6.2
// "the kernel core does... own real wire-format encode/decode for IPv4,
// UDP, TCP... ICMP").
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// IPv4Header is the subset of RFC 791 fields the kernel core needs to
// synthesize and parse (header checksum validation is out of scope; the
// simulated link never corrupts frames).
type IPv4Header struct {
	TTL      uint8
	Protocol uint8
	Src      IPv4Addr
	Dst      IPv4Addr
}

const ipv4HeaderLen = 20

// Encode writes a minimal (no-options) IPv4 header followed by payload.
func (h IPv4Header) Encode(payload []byte) []byte {
	buf := make([]byte, ipv4HeaderLen+len(payload))
	buf[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	binary.BigEndian.PutUint16(buf[2:4], uint16(ipv4HeaderLen+len(payload)))
	buf[8] = h.TTL
	buf[9] = h.Protocol
	copy(buf[12:16], h.Src[:])
	copy(buf[16:20], h.Dst[:])
	copy(buf[ipv4HeaderLen:], payload)
	return buf
}

// DecodeIPv4 parses an IPv4Header and returns the payload slice.
func DecodeIPv4(frame []byte) (IPv4Header, []byte, error) {
	if len(frame) < ipv4HeaderLen {
		return IPv4Header{}, nil, fmt.Errorf("netcore: short IPv4 frame (%d bytes)", len(frame))
	}
	var h IPv4Header
	h.TTL = frame[8]
	h.Protocol = frame[9]
	copy(h.Src[:], frame[12:16])
	copy(h.Dst[:], frame[16:20])
	total := binary.BigEndian.Uint16(frame[2:4])
	if int(total) > len(frame) {
		total = uint16(len(frame))
	}
	return h, frame[ipv4HeaderLen:total], nil
}

// UDPHeader is RFC 768's 8-byte header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
}

const udpHeaderLen = 8

func (h UDPHeader) Encode(payload []byte) []byte {
	buf := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(udpHeaderLen+len(payload)))
	copy(buf[udpHeaderLen:], payload)
	return buf
}

func DecodeUDP(b []byte) (UDPHeader, []byte, error) {
	if len(b) < udpHeaderLen {
		return UDPHeader{}, nil, fmt.Errorf("netcore: short UDP datagram (%d bytes)", len(b))
	}
	h := UDPHeader{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
	}
	length := binary.BigEndian.Uint16(b[4:6])
	if int(length) > len(b) {
		length = uint16(len(b))
	}
	return h, b[udpHeaderLen:length], nil
}

// TCPFlags are the header-only flag bits this module needs to synthesize
// and parse a handshake (full option parsing, window scaling, etc. are
// out of scope).
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 0x01
	TCPFlagSYN TCPFlags = 0x02
	TCPFlagRST TCPFlags = 0x04
	TCPFlagACK TCPFlags = 0x10
)

// TCPHeader is the fixed 20-byte TCP header (no options).
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
}

const tcpHeaderLen = 20

func (h TCPHeader) Encode(payload []byte) []byte {
	buf := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = 5 << 4 // data offset: 5 words, no options
	buf[13] = byte(h.Flags)
	copy(buf[tcpHeaderLen:], payload)
	return buf
}

func DecodeTCP(b []byte) (TCPHeader, []byte, error) {
	if len(b) < tcpHeaderLen {
		return TCPHeader{}, nil, fmt.Errorf("netcore: short TCP segment (%d bytes)", len(b))
	}
	h := TCPHeader{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   TCPFlags(b[13]),
	}
	return h, b[tcpHeaderLen:], nil
}

// ICMPv4 types/codes AddressRoute classifies (original source's route.c:
// "icmp_hdr->type == ICMPv4_TYPE_TIME_EXCEEDED", "ICMPv4_CODE_PORT_UNREACHABLE
// || ...PROTOCOL_UNREACHABLE || ...COMMUNICATION_ADMINISTRATIVELY_FILTERED").
const (
	ICMPTypeTimeExceeded    = 11
	ICMPTypeDestUnreachable = 3

	ICMPCodePortUnreachable            = 3
	ICMPCodeProtocolUnreachable        = 2
	ICMPCodeCommunicationAdminFiltered = 13
)

// ICMPHeader is the 8-byte ICMP header plus, for TIME_EXCEEDED/
// DEST_UNREACHABLE, the offending IPv4 header it quotes and that quoted
// packet's own leading bytes (its UDP header, for a traceroute probe) —
// needed both to read back the TTL the probe was sent with and to learn
// which probe the reply answers, per route.c's hop-count computation and
// this module's probe-port demultiplexing.
type ICMPHeader struct {
	Type          uint8
	Code          uint8
	Quoted        IPv4Header
	QuotedPayload []byte
	HasQuote      bool
}

const icmpHeaderLen = 8

func (h ICMPHeader) Encode() []byte {
	buf := make([]byte, icmpHeaderLen)
	buf[0] = h.Type
	buf[1] = h.Code
	if h.HasQuote {
		buf = append(buf, h.Quoted.Encode(h.QuotedPayload)...)
	}
	return buf
}

func DecodeICMP(b []byte) (ICMPHeader, error) {
	if len(b) < icmpHeaderLen {
		return ICMPHeader{}, fmt.Errorf("netcore: short ICMP packet (%d bytes)", len(b))
	}
	h := ICMPHeader{Type: b[0], Code: b[1]}
	if len(b) >= icmpHeaderLen+ipv4HeaderLen {
		quoted, payload, err := DecodeIPv4(b[icmpHeaderLen:])
		if err == nil {
			h.Quoted = quoted
			h.QuotedPayload = payload
			h.HasQuote = true
		}
	}
	return h, nil
}
