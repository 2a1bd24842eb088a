// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/obos-dev/kernel/pkg/arch"
)

// idleSpin bounds how long a CPU worker sleeps between ready-queue scans
// when every priority bucket is empty, rather than busy-spinning.
const idleSpin = 200 * time.Microsecond

// cpuState is one simulated CPU: a goroutine running cpuLoop, registered
// with the Arch module so pkg/irql's IRQL tracking and pkg/arch's
// CPULocalFor both resolve it, plus one rate-limiting ready queue per
// priority bucket (spec.md §4.6 Run queue: "the scheduler picks the
// highest non-empty bucket whose next thread's affinity mask includes the
// CPU").
type cpuState struct {
	id   int
	cpu  *arch.CPU
	dpcs dpcQueue

	queues [numPriorities]workqueue.TypedRateLimitingInterface[*Thread]
}

// Scheduler owns the per-CPU run queues, the thread/process ID spaces, and
// the process tree (spec.md §4.6 and §5 "the process tree under a global
// mutex").
type Scheduler struct {
	logger logr.Logger
	arch   arch.WorkerRegistrar

	cpus []*cpuState

	idMu         sync.Mutex
	nextThreadID uint64
	nextPID      uint64
	treeMu       sync.Mutex
	initProc     *Process
	initOnce     sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup

	traceMu sync.Mutex
	trace   Trace

	notifyMu sync.Mutex
	notify   ObjectNotifier
}

// ObjectNotifier is an optional observer notified on process create and
// exit. internal/intake's kernel delta notifier implements this to
// publish process lifecycle deltas alongside vnode and route-cache ones.
type ObjectNotifier interface {
	NotifyProcessCreate(pid uint64)
	NotifyProcessExit(pid uint64, exitCode int)
}

// SetObjectNotifier installs (or, passed nil, removes) the scheduler's
// optional ObjectNotifier.
func (s *Scheduler) SetObjectNotifier(n ObjectNotifier) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notify = n
}

func (s *Scheduler) notifyProcessCreate(pid uint64) {
	s.notifyMu.Lock()
	n := s.notify
	s.notifyMu.Unlock()
	if n != nil {
		n.NotifyProcessCreate(pid)
	}
}

func (s *Scheduler) notifyProcessExit(pid uint64, exitCode int) {
	s.notifyMu.Lock()
	n := s.notify
	s.notifyMu.Unlock()
	if n != nil {
		n.NotifyProcessExit(pid, exitCode)
	}
}

// Trace is an optional, best-effort observer notified on every context
// switch a simulated CPU performs. pkg/telemetry's host-assisted tracer
// implements it to correlate a simulated thread's scheduled runs against
// real host sched_switch/sched_wakeup events — diagnostic only, never on
// a path any scheduling decision depends on.
type Trace interface {
	OnContextSwitch(cpuID int, threadID, pid uint64)
}

// SetTrace installs (or, passed nil, removes) the scheduler's optional
// Trace observer.
func (s *Scheduler) SetTrace(t Trace) {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	s.trace = t
}

func (s *Scheduler) traceSwitch(cpuID int, threadID, pid uint64) {
	s.traceMu.Lock()
	t := s.trace
	s.traceMu.Unlock()
	if t != nil {
		t.OnContextSwitch(cpuID, threadID, pid)
	}
}

// NewScheduler constructs a scheduler with numCPUs simulated cores. archImpl
// must implement arch.WorkerRegistrar (amd64sim does); each cpuState's
// goroutine registers itself as one worker.
func NewScheduler(logger logr.Logger, archImpl arch.WorkerRegistrar, numCPUs int) *Scheduler {
	s := &Scheduler{
		logger: logger,
		arch:   archImpl,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numCPUs; i++ {
		cpu := archImpl.RegisterWorker(uint64(i))
		cs := &cpuState{id: i, cpu: cpu}
		for p := 0; p < numPriorities; p++ {
			rl := workqueue.DefaultTypedControllerRateLimiter[*Thread]()
			cs.queues[p] = workqueue.NewTypedRateLimitingQueueWithConfig(rl,
				workqueue.TypedRateLimitingQueueConfig[*Thread]{Name: "sched-cpu"})
		}
		s.cpus = append(s.cpus, cs)
	}
	return s
}

// Init returns the scheduler's adopter-of-orphans process, lazily creating
// it as a parentless root on first use (spec.md §4.6 "Parent inherits
// zombies").
func (s *Scheduler) Init() *Process {
	s.initOnce.Do(func() {
		s.treeMu.Lock()
		s.nextPID++
		s.initProc = newProcess(s.nextPID, nil)
		s.treeMu.Unlock()
	})
	return s.initProc
}

func (s *Scheduler) cpuByID(id int) *cpuState {
	for _, cs := range s.cpus {
		if cs.id == id {
			return cs
		}
	}
	return nil
}

// Start launches one goroutine per simulated CPU. Stop via ctx
// cancellation or Scheduler.Stop.
func (s *Scheduler) Start(ctx context.Context) {
	for _, cs := range s.cpus {
		cs := cs
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cpuLoop(ctx, cs)
		}()
	}
}

// Stop shuts every per-CPU queue down and waits for the worker goroutines
// to drain.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	for _, cs := range s.cpus {
		for _, q := range cs.queues {
			q.ShutDown()
		}
	}
	s.wg.Wait()
}

// ThreadAllocate creates a new thread belonging to proc but does not
// schedule it (spec.md §4.6 "thread_allocate"); call Initialize then
// ThreadReady to make it runnable.
func (s *Scheduler) ThreadAllocate(proc *Process) *Thread {
	s.idMu.Lock()
	s.nextThreadID++
	id := s.nextThreadID
	s.idMu.Unlock()
	return newThread(id, proc, s, context.Background())
}

// ThreadReady enqueues thr onto an eligible CPU's ready bucket for its
// priority (spec.md §4.6 "thread_ready to enqueue").
func (s *Scheduler) ThreadReady(thr *Thread) {
	thr.setState(StateReady)
	thr.launchOnce()
	s.ready(thr, false)
}

// ready is the shared enqueue path used both by ThreadReady and by a
// thread waking from Block.
func (s *Scheduler) ready(thr *Thread, boost bool) {
	if boost {
		thr.effective = thr.priority.boosted()
	} else {
		thr.effective = thr.priority
	}
	cs := s.pickCPU(thr.affinity)
	if cs == nil {
		s.logger.Error(nil, "sched: no CPU matches thread affinity", "threadID", thr.ID, "affinity", thr.affinity)
		return
	}
	cs.queues[int(thr.effective)].Add(thr)
}

// pickCPU returns the least-loaded CPU whose id bit is set in affinity.
func (s *Scheduler) pickCPU(affinity uint64) *cpuState {
	var best *cpuState
	bestLen := -1
	for _, cs := range s.cpus {
		if cs.id < 64 && affinity&(1<<uint(cs.id)) == 0 {
			continue
		}
		total := 0
		for _, q := range cs.queues {
			total += q.Len()
		}
		if best == nil || total < bestLen {
			best, bestLen = cs, total
		}
	}
	return best
}

// cpuLoop is the simulated CPU's fetch/drain/run cycle.
func (s *Scheduler) cpuLoop(ctx context.Context, cs *cpuState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.drainDPCs(ctx, cs)

		thr, ok := s.pickNext(cs)
		if !ok {
			select {
			case <-time.After(idleSpin):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			continue
		}
		s.runThread(ctx, cs, thr)
	}
}

// pickNext scans priority buckets from REAL_TIME to IDLE and returns the
// next thread from the first non-empty one (spec.md §4.6 "the scheduler
// picks the highest non-empty bucket").
func (s *Scheduler) pickNext(cs *cpuState) (*Thread, bool) {
	for p := 0; p < numPriorities; p++ {
		q := cs.queues[p]
		if q.Len() == 0 {
			continue
		}
		thr, shutdown := q.Get()
		if shutdown {
			return nil, false
		}
		q.Done(thr)
		q.Forget(thr)
		return thr, true
	}
	return nil, false
}

// runThread grants thr the CPU for one run, then dispatches on whatever
// the thread reported when it gave the CPU back.
func (s *Scheduler) runThread(ctx context.Context, cs *cpuState, thr *Thread) {
	thr.setState(StateRunning)
	thr.cpu = cs

	var pid uint64
	if thr.Process != nil {
		pid = thr.Process.PID
	}
	s.traceSwitch(cs.id, thr.ID, pid)

	thr.runCh <- struct{}{}
	act := <-thr.doneCh

	switch act {
	case actionYield:
		thr.setState(StateReady)
		s.ready(thr, false)
	case actionBlock:
		// Control.Block itself re-readies the thread once its wait
		// resolves; nothing to do here.
	case actionExit:
		s.reapThread(thr)
	}
}

// reapThread finalizes a dead thread's process bookkeeping, reparenting
// any still-running children once the whole process has exited (spec.md
// §4.6 "Parent inherits zombies").
func (s *Scheduler) reapThread(thr *Thread) {
	proc := thr.Process
	if proc == nil {
		return
	}
	if proc.threadExited(thr.ExitCode()) {
		s.reparentOrphans(proc)
		s.notifyProcessExit(proc.PID, proc.ExitCode())
	}
}
