// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package intake is the kernel's introspection surface: a delta notifier
// that publishes process create/exit, vnode create/evict, and
// route-cache-update events onto an internal channel an optional observer
// (a test harness, or a future debug console) can subscribe to. Adapted
// from the teacher's metrics-upload worker, kept to the exact shape of
// pkg/resource/store's eventRouter/subscriber fan-out but notifying about
// kernel objects instead of Kubernetes/cloud resources. The teacher's
// actual upload transport — grpc to an external intake service,
// protobuf-generated wire messages — has no kernel analog and is dropped;
// see DESIGN.md.
package intake

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// ObjectKind identifies which kernel subsystem a Delta describes.
type ObjectKind int

const (
	ObjectProcess ObjectKind = iota
	ObjectVnode
	ObjectRoute
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectProcess:
		return "process"
	case ObjectVnode:
		return "vnode"
	case ObjectRoute:
		return "route"
	default:
		return "unknown"
	}
}

// Op identifies what happened to the object a Delta describes.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpExit
	OpEvict
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpExit:
		return "exit"
	case OpEvict:
		return "evict"
	default:
		return "unknown"
	}
}

// Delta is one notification about a kernel object's lifecycle. Kind
// dictates which of the ID-ish fields below are meaningful:
//
//   - ObjectProcess: PID, optionally ExitCode on OpExit.
//   - ObjectVnode: Path (the dirent path it was created/evicted under).
//   - ObjectRoute: Interface and Dest (the route-cache entry affected).
type Delta struct {
	Kind      ObjectKind
	Op        Op
	PID       uint64
	ExitCode  int32
	Path      string
	Interface string
	Dest      string
}

type subscriber struct {
	kind *ObjectKind // nil subscribes to every kind
	ch   chan Delta
}

// Notifier is the kernel-object delta fan-out: Publish pushes a Delta
// from anywhere in the kernel (pkg/sched on process create/exit, pkg/vfs
// on vnode create/evict, pkg/netcore on route-cache updates); Subscribe
// hands back a read channel that receives every Delta matching its
// requested kind (or every Delta, for a nil kind).
type Notifier struct {
	logger logr.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	eventRouter     chan Delta
	stopEventRouter chan struct{}
	subscribers     []*subscriber
}

// NewNotifier constructs a Notifier and starts its fan-out goroutine.
// Call Start (or cancel the context passed to it) to shut the fan-out
// down and close every subscriber channel, or call Close directly.
func NewNotifier(logger logr.Logger) *Notifier {
	n := &Notifier{
		logger:          logger.WithName("intake"),
		eventRouter:     make(chan Delta, 64),
		stopEventRouter: make(chan struct{}),
	}
	go n.startEventRouter()
	return n
}

// Publish enqueues d for delivery to every matching subscriber. Publish
// never blocks on a slow subscriber for long: the fan-out loop delivers
// to each subscriber's own buffered channel, so one slow observer cannot
// stall delta publication for the others beyond that channel's buffer.
func (n *Notifier) Publish(d Delta) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.eventRouter <- d
}

// Subscribe returns a channel that receives every Delta whose Kind
// matches kind, or every Delta at all when kind is nil. The channel is
// closed when the Notifier shuts down.
func (n *Notifier) Subscribe(kind *ObjectKind) <-chan Delta {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Delta, 16)
	if n.closed {
		close(ch)
		return ch
	}
	n.subscribers = append(n.subscribers, &subscriber{kind: kind, ch: ch})
	return ch
}

// Close shuts the fan-out down and closes every subscriber channel. It is
// idempotent.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.stopEventRouter)
	n.wg.Wait()
	return nil
}

// Start blocks until ctx is done, then closes the Notifier, matching the
// controller-runtime Runnable shape the teacher's store used for the
// same lifecycle (start on boot, clean up subscriptions on shutdown).
func (n *Notifier) Start(ctx context.Context) error {
	<-ctx.Done()
	return n.Close()
}

func (n *Notifier) startEventRouter() {
	n.wg.Add(1)
	defer n.wg.Done()

	for {
		select {
		case d := <-n.eventRouter:
			n.mu.Lock()
			subs := n.subscribers
			n.mu.Unlock()
			for _, sub := range subs {
				if sub.kind != nil && *sub.kind != d.Kind {
					continue
				}
				select {
				case sub.ch <- d:
				default:
					n.logger.V(1).Info("dropping delta for slow subscriber", "kind", d.Kind, "op", d.Op)
				}
			}
		case <-n.stopEventRouter:
			n.mu.Lock()
			subs := n.subscribers
			n.mu.Unlock()
			for _, sub := range subs {
				close(sub.ch)
			}
			return
		}
	}
}
