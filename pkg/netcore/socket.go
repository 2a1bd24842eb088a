// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/obos-dev/kernel/pkg/irp"
	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
	"github.com/obos-dev/kernel/pkg/vfs"
)

// socketAddr is the wire form of a struct sockaddr_in: a 4-byte IPv4
// address followed by a 2-byte big-endian port.
type socketAddr struct {
	IP   IPv4Addr
	Port uint16
}

const socketAddrLen = 6

func encodeSockAddr(a socketAddr) []byte {
	buf := make([]byte, socketAddrLen)
	copy(buf[0:4], a.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], a.Port)
	return buf
}

func decodeSockAddr(b []byte) (socketAddr, error) {
	if len(b) < socketAddrLen {
		return socketAddr{}, fmt.Errorf("netcore: short sockaddr (%d bytes)", len(b))
	}
	var a socketAddr
	copy(a.IP[:], b[0:4])
	a.Port = binary.BigEndian.Uint16(b[4:6])
	return a, nil
}

// EncodeSockAddr exports the socket address wire form for the syscall
// layer's bind/connect/getsockname/getpeername argument marshalling.
func EncodeSockAddr(ip IPv4Addr, port uint16) []byte {
	return encodeSockAddr(socketAddr{IP: ip, Port: port})
}

// DecodeSockAddr is EncodeSockAddr's inverse.
func DecodeSockAddr(b []byte) (ip IPv4Addr, port uint16, err error) {
	a, err := decodeSockAddr(b)
	if err != nil {
		return IPv4Addr{}, 0, err
	}
	return a.IP, a.Port, nil
}

// demux is the Router's registry of which in-process socket owns each
// bound local port. A real stack demultiplexes on the full 4-tuple; this
// module keeps one socket per local port, which is the scope spec.md
// §4.7 asks for (one AF_INET endpoint per simulated host, not a full
// multi-peer connection table).
type demux struct {
	mu      sync.Mutex
	udp     map[uint16]*udpSocket
	tcp     map[uint16]*tcpSocket
	tcpLsnr map[uint16]*tcpListener
}

func newDemux() *demux {
	return &demux{
		udp:     make(map[uint16]*udpSocket),
		tcp:     make(map[uint16]*tcpSocket),
		tcpLsnr: make(map[uint16]*tcpListener),
	}
}

// UDPOps implements vfs.SocketOps for AF_INET/SOCK_DGRAM, dispatching
// through a Router so Connect can reuse AddressRoute's gateway discovery
// instead of hand-rolling a second routing path.
type UDPOps struct {
	router *Router
	demux  *demux
}

func NewUDPOps(router *Router) *UDPOps {
	return &UDPOps{router: router, demux: router.demux}
}

type udpSocket struct {
	mu        sync.Mutex
	local     socketAddr
	peer      socketAddr
	connected bool
	iface     *Interface
	inbox     chan udpDatagram
	closed    bool
}

type udpDatagram struct {
	from socketAddr
	data []byte
}

func (o *UDPOps) Create(ctx context.Context) (any, status.Status) {
	return &udpSocket{inbox: make(chan udpDatagram, 64)}, status.New(status.Success, "")
}

func (o *UDPOps) Bind(ctx context.Context, state any, addr []byte) status.Status {
	s := state.(*udpSocket)
	a, err := decodeSockAddr(addr)
	if err != nil {
		return status.New(status.InvalidArgument, err.Error())
	}
	// A bind to an address with no matching interface (e.g. the wildcard
	// address) still succeeds; iface is simply left nil and resolved
	// lazily on first send.
	iface, _, _ := o.router.AddressRoute(ctx, a.IP)
	s.mu.Lock()
	s.local = a
	s.iface = iface
	s.mu.Unlock()
	o.demux.mu.Lock()
	o.demux.udp[a.Port] = s
	o.demux.mu.Unlock()
	return status.New(status.Success, "")
}

func (o *UDPOps) Connect(ctx context.Context, state any, addr []byte) status.Status {
	s := state.(*udpSocket)
	a, err := decodeSockAddr(addr)
	if err != nil {
		return status.New(status.InvalidArgument, err.Error())
	}
	iface, _, st := o.router.AddressRoute(ctx, a.IP)
	if !st.OK() {
		return st
	}
	s.mu.Lock()
	s.peer = a
	s.connected = true
	s.iface = iface
	s.mu.Unlock()
	return status.New(status.Success, "")
}

func (o *UDPOps) Listen(ctx context.Context, state any, backlog int) status.Status {
	return status.New(status.InvalidOperation, "netcore: SOCK_DGRAM does not support listen")
}

func (o *UDPOps) Accept(ctx context.Context, state any) (any, status.Status) {
	return nil, status.New(status.InvalidOperation, "netcore: SOCK_DGRAM does not support accept")
}

func (o *UDPOps) SubmitIRP(ctx context.Context, state any, p *irp.Packet) status.Status {
	s := state.(*udpSocket)
	switch p.Op {
	case irp.OpWrite:
		return o.write(s, p)
	case irp.OpRead:
		return o.read(ctx, s, p)
	default:
		return status.New(status.InvalidOperation, "netcore: unknown IRP op")
	}
}

func (o *UDPOps) write(s *udpSocket, p *irp.Packet) status.Status {
	s.mu.Lock()
	dest := s.peer
	iface := s.iface
	srcIP := s.local.IP
	srcPort := s.local.Port
	s.mu.Unlock()

	if p.Sock != nil && len(p.Sock.Addr) > 0 {
		a, err := decodeSockAddr(p.Sock.Addr)
		if err != nil {
			return status.New(status.InvalidArgument, err.Error())
		}
		dest = a
	}
	if iface == nil {
		var st status.Status
		iface, _, st = o.router.AddressRoute(context.Background(), dest.IP)
		if !st.OK() {
			return st
		}
	}
	payload := p.Buf.Bytes()
	udp := UDPHeader{SrcPort: srcPort, DstPort: dest.Port}.Encode(payload)
	ip := IPv4Header{TTL: initialDirectTTL, Protocol: ProtoUDP, Src: srcIP, Dst: dest.IP}.Encode(udp)
	if iface.Link != nil {
		if err := iface.Link.Send(ip); err != nil {
			return status.New(status.InternalError, "netcore: "+err.Error())
		}
	}
	p.Bytes = len(payload)
	return status.New(status.Success, "")
}

func (o *UDPOps) read(ctx context.Context, s *udpSocket, p *irp.Packet) status.Status {
	if p.DryOp {
		select {
		case dg := <-s.inbox:
			s.inbox <- dg // put it back; dryOp only probes availability
			return status.New(status.Success, "")
		default:
			return status.New(status.WouldBlock, "netcore: no datagram queued")
		}
	}
	select {
	case dg, ok := <-s.inbox:
		if !ok {
			return status.New(status.EOF, "netcore: socket closed")
		}
		n := copy(p.Buf.Bytes(), dg.data)
		p.Bytes = n
		if p.Sock != nil {
			p.Sock.Addr = encodeSockAddr(dg.from)
		}
		return status.New(status.Success, "")
	case <-ctx.Done():
		return status.New(status.TimedOut, "netcore: read canceled")
	}
}

func (o *UDPOps) Shutdown(ctx context.Context, state any, how int) status.Status {
	s := state.(*udpSocket)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.New(status.Success, "")
	}
	s.closed = true
	close(s.inbox)
	o.demux.mu.Lock()
	delete(o.demux.udp, s.local.Port)
	o.demux.mu.Unlock()
	return status.New(status.Success, "")
}

func (o *UDPOps) GetSockName(ctx context.Context, state any) ([]byte, status.Status) {
	s := state.(*udpSocket)
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeSockAddr(s.local), status.New(status.Success, "")
}

func (o *UDPOps) GetPeerName(ctx context.Context, state any) ([]byte, status.Status) {
	s := state.(*udpSocket)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, status.New(status.InvalidOperation, "netcore: socket is not connected")
	}
	return encodeSockAddr(s.peer), status.New(status.Success, "")
}

// deliverUDP is called by the Router's receive loop for every inbound
// UDP datagram; it looks the destination port up in the demux and queues
// the payload on that socket's inbox.
func (d *demux) deliverUDP(ip IPv4Header, udp UDPHeader, payload []byte) {
	d.mu.Lock()
	s, ok := d.udp[udp.DstPort]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.inbox <- udpDatagram{from: socketAddr{IP: ip.Src, Port: udp.SrcPort}, data: append([]byte(nil), payload...)}:
	default:
		// inbox full: drop, matching UDP's no-delivery-guarantee contract.
	}
}

// tcpListener backs a socket that has called Listen: completed handshakes
// are queued here for Accept to drain.
type tcpListener struct {
	local   socketAddr
	iface   *Interface
	backlog chan *tcpSocket
}

// tcpSocket is one TCP endpoint, covering both the connecting and the
// accepted side of a handshake. Data transfer is real wire-format
// TCPHeader segments with ACK piggybacked on every write; retransmission,
// window management, and congestion control are out of scope (spec.md
// §1 Non-goals: "a production-grade TCP/IP stack").
type tcpSocket struct {
	mu    sync.Mutex
	state TCPState
	local socketAddr
	peer  socketAddr
	iface *Interface

	seq uint32
	ack uint32

	handshake *irql.WaitableHeader
	recvCh    chan []byte
	closed    bool
}

// TCPOps implements vfs.SocketOps for AF_INET/SOCK_STREAM.
type TCPOps struct {
	router *Router
	demux  *demux
}

func NewTCPOps(router *Router) *TCPOps {
	return &TCPOps{router: router, demux: router.demux}
}

func (o *TCPOps) Create(ctx context.Context) (any, status.Status) {
	return &tcpSocket{
		state:     TCPClose,
		handshake: irql.NewWaitableHeader(true),
		recvCh:    make(chan []byte, 256),
	}, status.New(status.Success, "")
}

func (o *TCPOps) Bind(ctx context.Context, state any, addr []byte) status.Status {
	s := state.(*tcpSocket)
	a, err := decodeSockAddr(addr)
	if err != nil {
		return status.New(status.InvalidArgument, err.Error())
	}
	iface, _, _ := o.router.AddressRoute(ctx, a.IP)
	s.mu.Lock()
	s.local = a
	s.iface = iface
	s.mu.Unlock()
	return status.New(status.Success, "")
}

func (o *TCPOps) Listen(ctx context.Context, state any, backlog int) status.Status {
	s := state.(*tcpSocket)
	s.mu.Lock()
	s.state = TCPListen
	local, iface := s.local, s.iface
	s.mu.Unlock()

	if backlog <= 0 {
		backlog = 1
	}
	lsnr := &tcpListener{local: local, iface: iface, backlog: make(chan *tcpSocket, backlog)}
	o.demux.mu.Lock()
	o.demux.tcpLsnr[local.Port] = lsnr
	o.demux.mu.Unlock()
	return status.New(status.Success, "")
}

func (o *TCPOps) Accept(ctx context.Context, state any) (any, status.Status) {
	s := state.(*tcpSocket)
	s.mu.Lock()
	port := s.local.Port
	s.mu.Unlock()

	o.demux.mu.Lock()
	lsnr, ok := o.demux.tcpLsnr[port]
	o.demux.mu.Unlock()
	if !ok {
		return nil, status.New(status.InvalidOperation, "netcore: socket is not listening")
	}
	select {
	case conn := <-lsnr.backlog:
		return conn, status.New(status.Success, "")
	case <-ctx.Done():
		return nil, status.New(status.TimedOut, "netcore: accept canceled")
	}
}

func (o *TCPOps) Connect(ctx context.Context, state any, addr []byte) status.Status {
	s := state.(*tcpSocket)
	a, err := decodeSockAddr(addr)
	if err != nil {
		return status.New(status.InvalidArgument, err.Error())
	}
	iface, _, st := o.router.AddressRoute(ctx, a.IP)
	if !st.OK() {
		return st
	}

	s.mu.Lock()
	s.peer = a
	s.iface = iface
	s.state = TCPSynSent
	seq := s.seq
	local := s.local
	s.mu.Unlock()

	o.demux.mu.Lock()
	o.demux.tcp[local.Port] = s
	o.demux.mu.Unlock()

	o.sendSegment(s, TCPFlagSYN, seq, 0, nil)

	if s.handshake.Wait(ctx) != irql.WaitSuccess {
		return status.New(status.TimedOut, "netcore: connect handshake timed out")
	}
	s.mu.Lock()
	ok := s.state == TCPEstablished
	s.mu.Unlock()
	if !ok {
		return status.New(status.ConnRefused, "netcore: connection refused")
	}
	return status.New(status.Success, "")
}

func (o *TCPOps) sendSegment(s *tcpSocket, flags TCPFlags, seq, ack uint32, payload []byte) {
	s.mu.Lock()
	iface, local, peer := s.iface, s.local, s.peer
	s.mu.Unlock()
	if iface == nil || iface.Link == nil {
		return
	}
	tcp := TCPHeader{SrcPort: local.Port, DstPort: peer.Port, Seq: seq, Ack: ack, Flags: flags}.Encode(payload)
	ip := IPv4Header{TTL: initialDirectTTL, Protocol: ProtoTCP, Src: local.IP, Dst: peer.IP}.Encode(tcp)
	_ = iface.Link.Send(ip)
}

func (o *TCPOps) SubmitIRP(ctx context.Context, state any, p *irp.Packet) status.Status {
	s := state.(*tcpSocket)
	switch p.Op {
	case irp.OpWrite:
		return o.write(s, p)
	case irp.OpRead:
		return o.read(ctx, s, p)
	default:
		return status.New(status.InvalidOperation, "netcore: unknown IRP op")
	}
}

func (o *TCPOps) write(s *tcpSocket, p *irp.Packet) status.Status {
	s.mu.Lock()
	if s.state != TCPEstablished {
		s.mu.Unlock()
		return status.New(status.InvalidOperation, "netcore: connection is not established")
	}
	seq := s.seq
	ack := s.ack
	payload := p.Buf.Bytes()
	s.seq += uint32(len(payload))
	s.mu.Unlock()

	o.sendSegment(s, TCPFlagACK, seq, ack, payload)
	p.Bytes = len(payload)
	return status.New(status.Success, "")
}

func (o *TCPOps) read(ctx context.Context, s *tcpSocket, p *irp.Packet) status.Status {
	if p.DryOp {
		select {
		case b := <-s.recvCh:
			s.recvCh <- b
			return status.New(status.Success, "")
		default:
			return status.New(status.WouldBlock, "netcore: no data queued")
		}
	}
	select {
	case b, ok := <-s.recvCh:
		if !ok {
			return status.New(status.EOF, "netcore: connection closed")
		}
		n := copy(p.Buf.Bytes(), b)
		p.Bytes = n
		return status.New(status.Success, "")
	case <-ctx.Done():
		return status.New(status.TimedOut, "netcore: read canceled")
	}
}

func (o *TCPOps) Shutdown(ctx context.Context, state any, how int) status.Status {
	s := state.(*tcpSocket)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.New(status.Success, "")
	}
	s.closed = true
	s.state = s.state.transition(0, true)
	seq, ack := s.seq, s.ack
	s.mu.Unlock()

	o.sendSegment(s, TCPFlagFIN|TCPFlagACK, seq, ack, nil)
	close(s.recvCh)
	return status.New(status.Success, "")
}

func (o *TCPOps) GetSockName(ctx context.Context, state any) ([]byte, status.Status) {
	s := state.(*tcpSocket)
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeSockAddr(s.local), status.New(status.Success, "")
}

func (o *TCPOps) GetPeerName(ctx context.Context, state any) ([]byte, status.Status) {
	s := state.(*tcpSocket)
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeSockAddr(s.peer), status.New(status.Success, "")
}

// deliverTCP is called by the Router's receive loop for every inbound TCP
// segment. A SYN without ACK on a port that has a listener is matched
// against that listener's backlog; anything else is matched against the
// established connection owning that local port.
func (d *demux) deliverTCP(ip IPv4Header, tcp TCPHeader, payload []byte, iface *Interface) {
	d.mu.Lock()
	conn, hasConn := d.tcp[tcp.DstPort]
	lsnr, hasLsnr := d.tcpLsnr[tcp.DstPort]
	d.mu.Unlock()

	if tcp.Flags&TCPFlagSYN != 0 && tcp.Flags&TCPFlagACK == 0 && hasLsnr {
		accepted := &tcpSocket{
			state:     TCPEstablished,
			local:     socketAddr{IP: ip.Dst, Port: tcp.DstPort},
			peer:      socketAddr{IP: ip.Src, Port: tcp.SrcPort},
			iface:     iface,
			ack:       tcp.Seq + 1,
			handshake: irql.NewWaitableHeader(true),
			recvCh:    make(chan []byte, 256),
		}
		d.mu.Lock()
		d.tcp[tcp.DstPort] = accepted
		d.mu.Unlock()

		if iface != nil && iface.Link != nil {
			synAck := TCPHeader{SrcPort: accepted.local.Port, DstPort: accepted.peer.Port, Ack: accepted.ack, Flags: TCPFlagSYN | TCPFlagACK}.Encode(nil)
			reply := IPv4Header{TTL: initialDirectTTL, Protocol: ProtoTCP, Src: accepted.local.IP, Dst: accepted.peer.IP}.Encode(synAck)
			_ = iface.Link.Send(reply)
		}
		select {
		case lsnr.backlog <- accepted:
		default:
		}
		return
	}
	if !hasConn {
		return
	}

	conn.mu.Lock()
	conn.state = conn.state.transition(tcp.Flags, false)
	becameEstablished := conn.state == TCPEstablished
	if len(payload) > 0 {
		conn.ack = tcp.Seq + uint32(len(payload))
	}
	conn.mu.Unlock()

	if becameEstablished {
		conn.handshake.Signal()
	}
	if len(payload) > 0 {
		select {
		case conn.recvCh <- append([]byte(nil), payload...):
		default:
		}
	}
}

var _ vfs.SocketOps = (*UDPOps)(nil)
var _ vfs.SocketOps = (*TCPOps)(nil)
