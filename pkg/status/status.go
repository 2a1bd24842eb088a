// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package status defines the single status enumeration every kernel API
// returns, per spec §7. A Status is an error; zero value is Success.
package status

import (
	stdliberrors "errors"
	"fmt"
)

type Code int

const (
	Success Code = iota
	InvalidArgument
	NotFound
	AlreadyInitialized
	AccessDenied
	NoSpace
	ReadOnly
	WouldBlock
	TimedOut
	Aborted
	PageFault
	Unimplemented
	InternalError
	Retry
	EOF
	InUse
	InvalidIoctl
	InvalidOperation
	InvalidInitPhase

	// irpRetry is driver-private and must never be surfaced past pkg/irp.
	irpRetry

	// Network-specific statuses (spec §7 "several network-specific statuses").
	HostUnreachable
	NetUnreachable
	ConnRefused
	AddrInUse
)

var names = map[Code]string{
	Success:            "SUCCESS",
	InvalidArgument:    "INVALID_ARGUMENT",
	NotFound:           "NOT_FOUND",
	AlreadyInitialized: "ALREADY_INITIALIZED",
	AccessDenied:       "ACCESS_DENIED",
	NoSpace:            "NO_SPACE",
	ReadOnly:           "READ_ONLY",
	WouldBlock:         "WOULD_BLOCK",
	TimedOut:           "TIMED_OUT",
	Aborted:            "ABORTED",
	PageFault:          "PAGE_FAULT",
	Unimplemented:      "UNIMPLEMENTED",
	InternalError:      "INTERNAL_ERROR",
	Retry:              "RETRY",
	EOF:                "EOF",
	InUse:              "IN_USE",
	InvalidIoctl:       "INVALID_IOCTL",
	InvalidOperation:   "INVALID_OPERATION",
	InvalidInitPhase:   "INVALID_INIT_PHASE",
	irpRetry:           "IRP_RETRY",
	HostUnreachable:    "HOST_UNREACHABLE",
	NetUnreachable:     "NET_UNREACHABLE",
	ConnRefused:        "CONN_REFUSED",
	AddrInUse:          "ADDR_IN_USE",
}

// retryable is the set of codes a caller may legitimately loop on.
var retryable = map[Code]bool{
	Retry:      true,
	WouldBlock: true,
	irpRetry:   true,
}

// IRPRetry is exposed only to pkg/irp via NewIRPRetry/IsIRPRetry so the
// driver-private status never leaks into a value an ordinary caller could
// construct directly.
func NewIRPRetry() Status      { return Status{code: irpRetry} }
func IsIRPRetry(s Status) bool { return s.code == irpRetry }

// Status is both the enum value and the error. The zero Status is Success.
type Status struct {
	code Code
	msg  string
	err  error
}

func New(code Code, msg string) Status {
	return Status{code: code, msg: msg}
}

func Newf(code Code, format string, args ...any) Status {
	return Status{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying error for Unwrap/Is/As chains while still
// carrying a kernel status code.
func Wrap(code Code, err error) Status {
	return Status{code: code, err: err}
}

func (s Status) Code() Code { return s.code }

func (s Status) OK() bool { return s.code == Success }

// Retryable reports whether a caller may legitimately resubmit the
// operation that produced s (mirrors the teacher's RetryableError, widened
// from a single error kind to the status enum).
func (s Status) Retryable() bool { return retryable[s.code] }

func (s Status) Error() string {
	name := names[s.code]
	if name == "" {
		name = fmt.Sprintf("STATUS(%d)", int(s.code))
	}
	switch {
	case s.err != nil && s.msg != "":
		return fmt.Sprintf("%s: %s: %v", name, s.msg, s.err)
	case s.err != nil:
		return fmt.Sprintf("%s: %v", name, s.err)
	case s.msg != "":
		return fmt.Sprintf("%s: %s", name, s.msg)
	default:
		return name
	}
}

func (s Status) Unwrap() error { return s.err }

func Is(err error, code Code) bool {
	var s Status
	if stdliberrors.As(err, &s) {
		return s.code == code
	}
	return false
}

// As/Join/Unwrap re-exported so callers of this package never need to
// import the standard errors package alongside it.
var (
	As   = stdliberrors.As
	Join = stdliberrors.Join
)

func Unwrap(err error) error { return stdliberrors.Unwrap(err) }
