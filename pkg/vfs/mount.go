// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

import (
	"context"

	"github.com/obos-dev/kernel/pkg/driver"
)

// Mount is the result of a successful mount (spec.md §4.5 "mount(...)
// -> mount").
type Mount struct {
	Root        *Dirent
	DeviceVnode *Vnode
	Driver      driver.FSDriver
	At          *Dirent // the dirent this mount is grafted onto
}

// reentrantLock is the mount/dirent-cache lock spec.md §5 requires
// ("dirent-cache/mount list under the mount lock"), made reentrant via
// a context marker rather than goroutine-local storage: Go exposes no
// stable goroutine identity, so recursion is tracked the idiomatic way
// for this runtime — a context.Context key threaded through call sites
// that may re-enter while already holding the lock. None of this
// package's lock holders (Lookup, Mount, ReadEntries, MkFile, RemoveFile)
// calls another of them.
type reentrantLock struct {
	ch chan struct{} // 1-buffered binary semaphore
}

type mountLockKey struct{}

func newReentrantLock() *reentrantLock {
	l := &reentrantLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// lock acquires the mount lock unless ctx already carries it, returning
// a context that carries the marker and a release func. Always call the
// release func, even on the reentrant path (it is then a no-op).
func (l *reentrantLock) lock(ctx context.Context) (context.Context, func()) {
	if ctx.Value(mountLockKey{}) != nil {
		return ctx, func() {}
	}
	<-l.ch
	return context.WithValue(ctx, mountLockKey{}, true), func() { l.ch <- struct{}{} }
}
