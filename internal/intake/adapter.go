// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package intake

import "github.com/obos-dev/kernel/pkg/netcore"

// NotifyProcessCreate implements pkg/sched.ObjectNotifier.
func (n *Notifier) NotifyProcessCreate(pid uint64) {
	n.Publish(Delta{Kind: ObjectProcess, Op: OpCreate, PID: pid})
}

// NotifyProcessExit implements pkg/sched.ObjectNotifier.
func (n *Notifier) NotifyProcessExit(pid uint64, exitCode int) {
	n.Publish(Delta{Kind: ObjectProcess, Op: OpExit, PID: pid, ExitCode: int32(exitCode)})
}

// NotifyVnodeCreate implements pkg/vfs.ObjectNotifier.
func (n *Notifier) NotifyVnodeCreate(path string) {
	n.Publish(Delta{Kind: ObjectVnode, Op: OpCreate, Path: path})
}

// NotifyVnodeEvict implements pkg/vfs.ObjectNotifier.
func (n *Notifier) NotifyVnodeEvict(path string) {
	n.Publish(Delta{Kind: ObjectVnode, Op: OpEvict, Path: path})
}

// NotifyRouteUpdate implements pkg/netcore.ObjectNotifier.
func (n *Notifier) NotifyRouteUpdate(ifaceName string, dest netcore.IPv4Addr) {
	n.Publish(Delta{Kind: ObjectRoute, Op: OpUpdate, Interface: ifaceName, Dest: dest.String()})
}
