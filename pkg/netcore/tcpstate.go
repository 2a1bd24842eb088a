// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

// TCPState enumerates a connection's place in the TCP state machine. The
// numeric values match the kernel's own tcp_states.h ordering (the same
// hex codes the teacher's performance collector decodes from
// /proc/net/tcp's "st" column), kept here as the owned values a real
// connection's state field transitions through rather than values read
// back out of a proc file.
type TCPState uint8

const (
	TCPEstablished TCPState = iota + 1
	TCPSynSent
	TCPSynRecv
	TCPFinWait1
	TCPFinWait2
	TCPTimeWait
	TCPClose
	TCPCloseWait
	TCPLastAck
	TCPListen
	TCPClosing
)

func (s TCPState) String() string {
	switch s {
	case TCPEstablished:
		return "ESTABLISHED"
	case TCPSynSent:
		return "SYN_SENT"
	case TCPSynRecv:
		return "SYN_RECV"
	case TCPFinWait1:
		return "FIN_WAIT1"
	case TCPFinWait2:
		return "FIN_WAIT2"
	case TCPTimeWait:
		return "TIME_WAIT"
	case TCPClose:
		return "CLOSE"
	case TCPCloseWait:
		return "CLOSE_WAIT"
	case TCPLastAck:
		return "LAST_ACK"
	case TCPListen:
		return "LISTEN"
	case TCPClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// transition applies one incoming segment's flags (or a local close) to
// the current state, returning the next state. Only the handshake/close
// paths a two-endpoint in-process socket actually walks are modeled;
// simultaneous-open and simultaneous-close edge transitions collapse to
// the same terminal states a real stack would reach.
func (s TCPState) transition(flags TCPFlags, localClose bool) TCPState {
	switch s {
	case TCPListen:
		if flags&TCPFlagSYN != 0 {
			return TCPSynRecv
		}
		return s
	case TCPSynSent:
		if flags&TCPFlagSYN != 0 && flags&TCPFlagACK != 0 {
			return TCPEstablished
		}
		return s
	case TCPSynRecv:
		if flags&TCPFlagACK != 0 {
			return TCPEstablished
		}
		return s
	case TCPEstablished:
		if localClose {
			return TCPFinWait1
		}
		if flags&TCPFlagFIN != 0 {
			return TCPCloseWait
		}
		return s
	case TCPFinWait1:
		if flags&TCPFlagFIN != 0 && flags&TCPFlagACK != 0 {
			return TCPTimeWait
		}
		if flags&TCPFlagFIN != 0 {
			return TCPClosing
		}
		if flags&TCPFlagACK != 0 {
			return TCPFinWait2
		}
		return s
	case TCPFinWait2:
		if flags&TCPFlagFIN != 0 {
			return TCPTimeWait
		}
		return s
	case TCPClosing:
		if flags&TCPFlagACK != 0 {
			return TCPTimeWait
		}
		return s
	case TCPCloseWait:
		if localClose {
			return TCPLastAck
		}
		return s
	case TCPLastAck:
		if flags&TCPFlagACK != 0 {
			return TCPClose
		}
		return s
	default:
		return s
	}
}
