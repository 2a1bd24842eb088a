// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netcore

// LoopbackLink is a Link that delivers every frame it's asked to Send
// straight back out its own Recv channel, standing in for a NIC driver
// when no physical or virtual network device backs an interface. The boot
// sequence attaches one as "lo"; tests use it in place of a real Link for
// the same reason.
type LoopbackLink struct {
	recv chan []byte
}

// NewLoopbackLink constructs a LoopbackLink with the given inbound buffer
// depth.
func NewLoopbackLink(buf int) *LoopbackLink {
	return &LoopbackLink{recv: make(chan []byte, buf)}
}

func (l *LoopbackLink) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case l.recv <- cp:
	default:
	}
	return nil
}

func (l *LoopbackLink) Recv() <-chan []byte {
	return l.recv
}

var _ Link = (*LoopbackLink)(nil)
