// Package reactor implements the Reactor (IOManager) of spec.md §4.4: a
// Scheduler plus a TimerManager composed via interface hooks rather than
// multiple inheritance (see spec.md §9 "Multiple inheritance"), plus an
// epoll/kqueue readiness notifier, a self-pipe wakeup, and the sparse
// per-fd state table.
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-fiberrt/fiberrt/fiber"
	"github.com/go-fiberrt/fiberrt/internal/rtlog"
	"github.com/go-fiberrt/fiberrt/scheduler"
	"github.com/go-fiberrt/fiberrt/timer"
)

// currentRegistry maps a worker's scheduler-loop fiber to the Reactor whose
// dispatch loop it runs. Every fiber runs on its own goroutine, so the
// registry is keyed by the scheduler-loop fiber (which every fiber resumed
// on that worker shares) rather than by goroutine id. It is populated once
// per worker, at the point its dispatch loop builds the idle fiber.
var currentRegistry sync.Map // *fiber.Fiber -> *Reactor

// Current returns the Reactor owning the dispatch loop that last resumed
// the calling fiber, or nil if that loop is not one of a Reactor's workers.
// Like fiber.Current, it binds a thread-primary fiber to a goroutine that
// has none yet.
func Current() *Reactor {
	v, ok := currentRegistry.Load(fiber.Current().SchedulerLoop())
	if !ok {
		return nil
	}
	return v.(*Reactor)
}

// maxWaitTimeout caps the notifier wait so a sleeping reactor re-evaluates
// its stopping predicate at least this often, bounding tickle latency.
const maxWaitTimeout = 5 * time.Second

// Reactor has-a Scheduler and has-a TimerManager (spec.md §9), plus the
// readiness notifier and fd-state table it alone owns.
type Reactor struct {
	sched   *scheduler.Scheduler
	timers  *timer.Manager
	nf      notifier
	fds     fdTable
	pending atomic.Int64
	log     *rtlog.Logger
}

// config accumulates constructor options before the Scheduler is built.
type config struct {
	schedOpts []scheduler.Option
}

// Option configures a Reactor constructed with New.
type Option func(*config)

// WithCaller mirrors scheduler.WithCaller: the calling thread participates
// as a worker, entering its scheduler-loop fiber on Stop.
func WithCaller() Option {
	return func(c *config) { c.schedOpts = append(c.schedOpts, scheduler.WithCaller()) }
}

// New constructs a Reactor with numWorkers workers and initializes its
// notifier. Call Start to begin dispatching.
func New(numWorkers int, opts ...Option) (*Reactor, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Reactor{
		timers: timer.New(),
		nf:     newPlatformNotifier(),
		log:    rtlog.Named(rtlog.Default(), "reactor"),
	}
	r.sched = scheduler.New(numWorkers, cfg.schedOpts...)
	r.sched.SetHooks(r.tickle, r.idleEntry, r.mayStop)
	r.timers.SetOnInsertAtFront(r.tickle)

	if err := r.nf.init(); err != nil {
		return nil, fmt.Errorf("reactor: notifier init: %w", err)
	}
	// The wake fd is pre-armed for read by the platform notifier's own
	// init (eventfd/self-pipe are special-registered there); no separate
	// AddEvent call is needed for it.
	return r, nil
}

// Start begins dispatching: it spawns the scheduler's workers, each
// falling into this reactor's idle fiber whenever its queue is empty.
func (r *Reactor) Start() {
	r.sched.Start()
}

// Stop drains every still-armed fd and still-pending timer (each of their
// callbacks runs exactly once, cancel-equivalent semantics), then stops
// the scheduler and closes the notifier. It blocks until every task
// queued at the moment Stop was called, including the ones the drain
// itself enqueues, has run to completion.
func (r *Reactor) Stop() {
	r.drainBeforeStop()
	r.sched.Stop()
	if err := r.nf.closeNotifier(); err != nil {
		r.log.Warning().Err(err).Log("error closing notifier")
	}
}

// drainBeforeStop forces mayStop's pending==0 && timers.Empty() predicate
// to become true. Without it, a reactor stopped with registered-but-not-
// ready fds or un-expired timers (spec.md §8 scenario 6) would never
// satisfy mayStop: the idle fibers would loop forever, their workers
// would never return, and sched.Stop()'s wg.Wait() would block forever.
func (r *Reactor) drainBeforeStop() {
	for _, fd := range r.fds.snapshotFDs() {
		r.CancelAll(fd)
	}
	for _, cb := range r.timers.DrainAll() {
		r.sched.Schedule(scheduler.CallableTask(cb, scheduler.AnyWorker))
	}
}

// Schedule exposes the underlying Scheduler's task queue directly, for
// callers that want to enqueue a Task without going through AddEvent.
func (r *Reactor) Schedule(t scheduler.Task) {
	r.sched.Schedule(t)
}

// Timers exposes the underlying TimerManager, for collaborators (the hook
// package) that need to arm their own conditional timeout timers.
func (r *Reactor) Timers() *timer.Manager {
	return r.timers
}

// PendingEvents reports the number of outstanding I/O registrations —
// invariant 1 of spec.md §8 relates this to the sum of popcounts of every
// fd's interest mask at any quiescent point.
func (r *Reactor) PendingEvents() int64 {
	return r.pending.Load()
}

// tickle writes one byte to the self-pipe, but only if at least one worker
// is currently idle, avoiding unnecessary pipe traffic.
func (r *Reactor) tickle() {
	if r.sched.IdleThreadCount() <= 0 {
		return
	}
	if err := r.nf.tickleWake(); err != nil {
		r.log.Warning().Err(err).Log("tickle write failed")
	}
}

// mayStop is the Reactor's override of the Scheduler's stop predicate: it
// stops only when there are no pending events, no timers, and the base
// Scheduler itself is stopping.
func (r *Reactor) mayStop() bool {
	return r.sched.IsStopping() && r.pending.Load() == 0 && r.timers.Empty()
}

// AddEvent registers interest in dir on fd. If cb is nil the currently
// running fiber is captured and will be resumed on readiness; otherwise cb
// runs as a plain callable. Registering a direction already armed on fd is
// a programming error (panic). Returns an error, without mutating any
// state, if the notifier rejects the registration — per spec.md §9(b),
// the slot is populated only after the notifier accepts.
func (r *Reactor) AddEvent(fd int, dir Event, cb func()) error {
	state := r.fds.getOrCreate(fd)

	state.mu.Lock()
	idx := slotIndex(dir)
	if !state.slots[idx].empty() {
		state.mu.Unlock()
		panic(fmt.Sprintf("reactor: event %v already registered on fd %d", dir, fd))
	}
	newInterest := state.interest | dir
	var err error
	if state.interest == 0 {
		err = r.nf.add(fd, newInterest)
	} else {
		err = r.nf.modify(fd, newInterest)
	}
	if err != nil {
		state.mu.Unlock()
		return fmt.Errorf("reactor: notifier registration for fd %d: %w", fd, err)
	}

	slot := eventSlot{cb: cb}
	if cb == nil {
		slot.f = fiber.Current()
	}
	state.slots[idx] = slot
	state.interest = newInterest
	state.mu.Unlock()

	r.pending.Add(1)
	return nil
}

// DelEvent removes interest in dir on fd without invoking its callback.
func (r *Reactor) DelEvent(fd int, dir Event) error {
	state := r.fds.get(fd)
	if state == nil {
		return nil
	}

	state.mu.Lock()
	idx := slotIndex(dir)
	had := !state.slots[idx].empty()
	state.slots[idx] = eventSlot{}
	newInterest := state.interest &^ dir
	state.interest = newInterest
	state.mu.Unlock()

	if had {
		r.pending.Add(-1)
	}
	return r.updateNotifierInterest(fd, newInterest)
}

// CancelEvent behaves like DelEvent but synchronously triggers the
// callback exactly as if readiness had occurred — used to complete an
// in-flight operation with a timeout error.
func (r *Reactor) CancelEvent(fd int, dir Event) error {
	state := r.fds.get(fd)
	if state == nil {
		return nil
	}

	state.mu.Lock()
	idx := slotIndex(dir)
	task, had := state.consumeLocked(idx)
	newInterest := state.interest &^ dir
	state.interest = newInterest
	state.mu.Unlock()

	if had {
		r.sched.Schedule(task)
		r.pending.Add(-1)
	}
	return r.updateNotifierInterest(fd, newInterest)
}

// CancelAll deletes fd from the notifier, then triggers every event still
// registered on it. No fiber waiting on fd is ever lost when it closes.
func (r *Reactor) CancelAll(fd int) {
	state := r.fds.get(fd)
	if state == nil {
		return
	}
	r.nf.del(fd)

	state.mu.Lock()
	state.interest = 0
	var tasks []scheduler.Task
	for idx := 0; idx < 2; idx++ {
		if t, ok := state.consumeLocked(idx); ok {
			tasks = append(tasks, t)
		}
	}
	state.mu.Unlock()

	for _, t := range tasks {
		r.sched.Schedule(t)
		r.pending.Add(-1)
	}
	r.fds.delete(fd)
}

func (r *Reactor) updateNotifierInterest(fd int, newInterest Event) error {
	var err error
	if newInterest == 0 {
		err = r.nf.del(fd)
	} else {
		err = r.nf.modify(fd, newInterest)
	}
	if err != nil {
		return fmt.Errorf("reactor: notifier update for fd %d: %w", fd, err)
	}
	return nil
}

// idleEntry builds the idle-fiber entry for worker id: the heart of the
// runtime, per spec.md §4.4's pseudocode. Timer callbacks are scheduled
// before I/O callbacks within a single wake, per spec.md §5 ordering.
func (r *Reactor) idleEntry(workerID int) func() {
	currentRegistry.Store(fiber.Current().SchedulerLoop(), r)
	return func() {
		events := make([]readyEvent, 256)
		for !r.mayStop() {
			wait := r.timers.NextTimeout()
			if wait == timer.NoTimers || wait > maxWaitTimeout {
				wait = maxWaitTimeout
			}

			n, err := r.nf.wait(wait, events)
			if err != nil {
				r.log.Err().Err(err).Log("notifier wait failed")
				fiber.Yield()
				continue
			}

			for _, cb := range r.timers.CollectExpired() {
				r.sched.Schedule(scheduler.CallableTask(cb, scheduler.AnyWorker))
			}

			for i := 0; i < n; i++ {
				ev := events[i]
				if ev.fd == r.nf.wakeFD() {
					r.nf.drainWake()
					continue
				}
				state := r.fds.get(ev.fd)
				if state == nil {
					continue
				}
				r.fireReady(state, ev.mask)
			}

			fiber.Yield()
		}
	}
}

// fireReady delivers the directions in mask that are actually armed on
// state, updating the notifier registration and scheduling their tasks.
func (r *Reactor) fireReady(state *fdState, mask Event) {
	state.mu.Lock()
	mask &= state.interest
	newInterest := state.interest &^ mask
	var tasks []scheduler.Task
	if mask&EventRead != 0 {
		if t, ok := state.consumeLocked(0); ok {
			tasks = append(tasks, t)
		}
	}
	if mask&EventWrite != 0 {
		if t, ok := state.consumeLocked(1); ok {
			tasks = append(tasks, t)
		}
	}
	state.interest = newInterest
	fd := state.fd
	state.mu.Unlock()

	if err := r.updateNotifierInterest(fd, newInterest); err != nil {
		r.log.Warning().Err(err).Log("failed to update notifier interest after readiness")
	}
	for _, t := range tasks {
		r.sched.Schedule(t)
		r.pending.Add(-1)
	}
}
