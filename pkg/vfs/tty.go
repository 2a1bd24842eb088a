// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"sync"

	"github.com/obos-dev/kernel/pkg/irql"
	"github.com/obos-dev/kernel/pkg/status"
)

// Termios mirrors the four flag words and control-character array
// spec.md §4.5 names for a TTY's line discipline.
type Termios struct {
	Iflag, Oflag, Lflag, Cflag uint32
	Cc                         [NCCS]byte
}

// NCCS is the size of the control-character array; large enough for
// every cc[] index this package defines.
const NCCS = 8

// Control-character indices into Termios.Cc.
const (
	VINTR = iota
	VQUIT
	VERASE
	VKILL
	VSUSP
	VEOF
)

// Lflag bits.
const (
	LflagICANON uint32 = 1 << iota
	LflagECHO
	LflagECHOE
	LflagECHOK
	LflagISIG
)

// Iflag bits (flow control).
const (
	IflagIXON uint32 = 1 << iota
	IflagIXOFF
)

// Signal is what the line discipline asks the caller to deliver to the
// foreground process group (spec.md §4.5 "VINTR/VQUIT/VSUSP signal
// generation to the foreground process group"). Actual delivery is the
// scheduler's job; TTY only classifies which one fired.
type Signal int

const (
	SigNone Signal = iota
	SigIntr
	SigQuit
	SigSuspend
)

// Winsize is the TIOCGWINSZ payload.
type Winsize struct {
	Rows, Cols, XPixel, YPixel uint16
}

// TTY is a special vnode's line-discipline state (spec.md §4.5 "A TTY
// is a special vnode exposing a canonical-mode line discipline").
type TTY struct {
	mu sync.Mutex

	Termios Termios
	Winsize Winsize

	// inBuf is the input ring the Design Notes' in_ptr/out_ptr describe,
	// modeled as a growable byte slice plus a read cursor: goroutine
	// scheduling already serializes writers, so a true ring buffer's
	// wraparound arithmetic buys nothing a slice+cursor doesn't also get.
	inBuf   []byte
	inRead  int
	lineBuf []byte

	DataReady *irql.WaitableHeader

	FGPGRP   int
	flowStop bool
	lastSig  Signal
}

func NewTTY() *TTY {
	t := &TTY{DataReady: irql.NewWaitableHeader(true)}
	t.Termios.Lflag = LflagICANON | LflagECHO | LflagECHOE | LflagECHOK | LflagISIG
	t.Termios.Iflag = IflagIXON | IflagIXOFF
	t.Termios.Cc[VINTR] = 0x03  // ^C
	t.Termios.Cc[VQUIT] = 0x1C  // ^\
	t.Termios.Cc[VERASE] = 0x7F // DEL
	t.Termios.Cc[VKILL] = 0x15  // ^U
	t.Termios.Cc[VSUSP] = 0x1A  // ^Z
	return t
}

// Input feeds raw bytes from the driver into the discipline, applying
// ICANON editing, ISIG signal generation, and IXON/IXOFF flow control
// one byte at a time (spec.md §4.5).
func (t *TTY) Input(b byte) (echo []byte, sig Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Termios.Iflag&IflagIXON != 0 {
		switch b {
		case 0x13: // ^S
			t.flowStop = true
			return nil, SigNone
		case 0x11: // ^Q
			t.flowStop = false
			return nil, SigNone
		}
	}
	if t.flowStop && t.Termios.Iflag&IflagIXOFF != 0 {
		return nil, SigNone
	}

	if t.Termios.Lflag&LflagISIG != 0 {
		switch b {
		case t.Termios.Cc[VINTR]:
			t.lineBuf = t.lineBuf[:0]
			return nil, SigIntr
		case t.Termios.Cc[VQUIT]:
			t.lineBuf = t.lineBuf[:0]
			return nil, SigQuit
		case t.Termios.Cc[VSUSP]:
			t.lineBuf = t.lineBuf[:0]
			return nil, SigSuspend
		}
	}

	if t.Termios.Lflag&LflagICANON == 0 {
		t.inBuf = append(t.inBuf, b)
		t.signalDataReadyLocked()
		return t.maybeEcho(b), SigNone
	}

	switch b {
	case t.Termios.Cc[VERASE]:
		if len(t.lineBuf) > 0 {
			t.lineBuf = t.lineBuf[:len(t.lineBuf)-1]
			if t.Termios.Lflag&LflagECHOE != 0 {
				return []byte("\b \b"), SigNone
			}
		}
		return nil, SigNone
	case t.Termios.Cc[VKILL]:
		n := len(t.lineBuf)
		t.lineBuf = t.lineBuf[:0]
		if t.Termios.Lflag&LflagECHOK != 0 {
			erase := make([]byte, 0, n*3)
			for i := 0; i < n; i++ {
				erase = append(erase, '\b', ' ', '\b')
			}
			return erase, SigNone
		}
		return nil, SigNone
	case '\n', '\r':
		t.lineBuf = append(t.lineBuf, '\n')
		t.inBuf = append(t.inBuf, t.lineBuf...)
		t.lineBuf = t.lineBuf[:0]
		t.signalDataReadyLocked()
		return t.maybeEcho(b), SigNone
	default:
		t.lineBuf = append(t.lineBuf, b)
		return t.maybeEcho(b), SigNone
	}
}

func (t *TTY) maybeEcho(b byte) []byte {
	if t.Termios.Lflag&LflagECHO == 0 {
		return nil
	}
	return []byte{b}
}

func (t *TTY) signalDataReadyLocked() {
	t.DataReady.Signal()
}

// Read drains up to len(buf) bytes of completed (canonical: newline-
// terminated) input.
func (t *TTY) Read(buf []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	avail := t.inBuf[t.inRead:]
	n := copy(buf, avail)
	t.inRead += n
	if t.inRead == len(t.inBuf) {
		t.inBuf = t.inBuf[:0]
		t.inRead = 0
		t.DataReady.Reset()
	}
	return n
}

// IOCTL request codes (spec.md §4.5).
const (
	TCGETS = iota
	TCSETS
	TIOCGWINSZ
	TIOCSWINSZ
	TIOCGPGRP
	TIOCSPGRP
	TCXON
	TCXOFF
)

// Ioctl implements driver.Ioctl's contract for a TTY vnode.
func (t *TTY) Ioctl(req uint32, arg any) (any, status.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch int(req) {
	case TCGETS:
		return t.Termios, status.New(status.Success, "")
	case TCSETS:
		tio, ok := arg.(Termios)
		if !ok {
			return nil, status.New(status.InvalidIoctl, "tty: TCSETS expects Termios")
		}
		t.Termios = tio
		return nil, status.New(status.Success, "")
	case TIOCGWINSZ:
		return t.Winsize, status.New(status.Success, "")
	case TIOCSWINSZ:
		ws, ok := arg.(Winsize)
		if !ok {
			return nil, status.New(status.InvalidIoctl, "tty: TIOCSWINSZ expects Winsize")
		}
		t.Winsize = ws
		return nil, status.New(status.Success, "")
	case TIOCGPGRP:
		return t.FGPGRP, status.New(status.Success, "")
	case TIOCSPGRP:
		pgrp, ok := arg.(int)
		if !ok {
			return nil, status.New(status.InvalidIoctl, "tty: TIOCSPGRP expects int")
		}
		t.FGPGRP = pgrp
		return nil, status.New(status.Success, "")
	case TCXOFF:
		t.flowStop = true
		return nil, status.New(status.Success, "")
	case TCXON:
		t.flowStop = false
		return nil, status.New(status.Success, "")
	default:
		return nil, status.New(status.InvalidIoctl, "tty: unknown ioctl request")
	}
}
