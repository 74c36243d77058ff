// Package scheduler implements a thread-pinnable task queue scheduler:
// a fixed pool of worker goroutines (each pinned to its own OS thread via
// runtime.LockOSThread, so the "OS thread" framing of the fiber contract
// stays literally true) dispatching fiber and callable Tasks, with an
// optional caller-thread mode and a small hook protocol (tickle, idle
// fiber construction, stop predicate) that a composing type — the reactor
// — can override without needing multiple inheritance.
package scheduler

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-fiberrt/fiberrt/fiber"
	"github.com/go-fiberrt/fiberrt/internal/rtlog"
)

// AnyWorker is the pin value meaning "any worker may run this task".
const AnyWorker = -1

// Task is a unit of work enqueued on a Scheduler: either a Fiber handle or
// a plain callable, mutually exclusive, plus an optional worker pin.
type Task struct {
	Fiber    *fiber.Fiber
	Callable func()
	Pin      int
}

// FiberTask builds a Task that resumes an existing fiber.
func FiberTask(f *fiber.Fiber, pin int) Task {
	if f == nil {
		panic("scheduler: FiberTask requires a non-nil fiber")
	}
	return Task{Fiber: f, Pin: pin}
}

// CallableTask builds a Task that runs fn on a reusable callback fiber.
func CallableTask(fn func(), pin int) Task {
	if fn == nil {
		panic("scheduler: CallableTask requires a non-nil callable")
	}
	return Task{Callable: fn, Pin: pin}
}

// Option configures a Scheduler constructed with New.
type Option func(*Scheduler)

// WithCaller consumes one worker slot for the thread that calls Start,
// giving it a dedicated scheduler-loop fiber entered when Stop is invoked.
func WithCaller() Option {
	return func(s *Scheduler) { s.useCaller = true }
}

// WithLogger overrides the scheduler's logger; the default logs through
// rtlog.Default().
func WithLogger(l *rtlog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// hooks is unexported: it backs the protocol a composing type (the
// reactor) registers into the Scheduler. It is not part of the public
// constructor surface because ordinary callers never
// need to override them — only package reactor does, via SetHooks.
type hooks struct {
	tickle    func()
	idleEntry func(workerID int) func()
	mayStop   func() bool
}

// Scheduler owns N worker threads (one of which may be the caller thread)
// plus a task queue, dispatching fiber and callable Tasks cooperatively.
type Scheduler struct {
	numWorkers int
	useCaller  bool
	log        *rtlog.Logger

	mu    sync.Mutex
	tasks []Task

	stopping atomic.Bool
	wg       sync.WaitGroup

	idleThreadCount atomic.Int32
	activeFibers    atomic.Int32

	hooksMu sync.RWMutex
	hooks   hooks

	cbFibers   []*fiber.Fiber
	cbFibersMu sync.Mutex

	callerPrimary   *fiber.Fiber
	callerLoopFiber *fiber.Fiber
}

// New constructs a Scheduler with the given number of workers.
func New(numWorkers int, opts ...Option) *Scheduler {
	if numWorkers < 1 {
		panic("scheduler: numWorkers must be >= 1")
	}
	s := &Scheduler{
		numWorkers: numWorkers,
		log:        rtlog.Named(rtlog.Default(), "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hooks = hooks{
		tickle:    func() {},
		idleEntry: s.defaultIdleEntry,
		mayStop:   s.stopping.Load,
	}
	s.cbFibers = make([]*fiber.Fiber, s.numWorkers)
	return s
}

// SetHooks installs the tickle/idle/stop-predicate protocol a composing
// type overrides. Any nil field leaves the current hook untouched.
func (s *Scheduler) SetHooks(tickle func(), idleEntry func(workerID int) func(), mayStop func() bool) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	if tickle != nil {
		s.hooks.tickle = tickle
	}
	if idleEntry != nil {
		s.hooks.idleEntry = idleEntry
	}
	if mayStop != nil {
		s.hooks.mayStop = mayStop
	}
}

func (s *Scheduler) tickle() {
	s.hooksMu.RLock()
	fn := s.hooks.tickle
	s.hooksMu.RUnlock()
	fn()
}

func (s *Scheduler) idleEntry(workerID int) func() {
	s.hooksMu.RLock()
	fn := s.hooks.idleEntry
	s.hooksMu.RUnlock()
	return fn(workerID)
}

// MayStop reports whether a worker's idle fiber may terminate, by calling
// the installed stop predicate: Stop having been called for the bare
// scheduler, or the composing type's own predicate (including its
// pending-work conditions) once SetHooks has replaced it.
func (s *Scheduler) MayStop() bool {
	s.hooksMu.RLock()
	fn := s.hooks.mayStop
	s.hooksMu.RUnlock()
	return fn()
}

// IsStopping reports whether Stop has been called.
func (s *Scheduler) IsStopping() bool { return s.stopping.Load() }

// IdleThreadCount reports how many workers are currently parked in idle.
func (s *Scheduler) IdleThreadCount() int32 { return s.idleThreadCount.Load() }

// defaultIdleEntry is the bare scheduler's idle policy: yield back
// immediately, repeatedly, until the scheduler may stop.
func (s *Scheduler) defaultIdleEntry(int) func() {
	return func() {
		for !s.MayStop() {
			fiber.Yield()
		}
	}
}

func (s *Scheduler) poolSize() int {
	if s.useCaller {
		return s.numWorkers - 1
	}
	return s.numWorkers
}

// Schedule appends a Task to the queue. If the queue transitioned from
// empty to non-empty, it tickles a sleeping worker.
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	wasEmpty := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	if wasEmpty {
		s.tickle()
	}
}

// pop returns the first Task pinned to workerID or unpinned, removing it
// from the queue. skipped reports whether a task pinned to a different
// worker was passed over, in which case the caller should tickle so that
// worker observes it.
func (s *Scheduler) pop(workerID int) (task Task, skipped, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		t := s.tasks[i]
		if t.Pin == AnyWorker || t.Pin == workerID {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return t, skipped, true
		}
		skipped = true
	}
	return Task{}, skipped, false
}

// Start spawns the worker goroutines (numWorkers-1 of them if WithCaller,
// else the full count) and, in caller mode, binds the calling goroutine's
// thread-primary fiber and its dedicated scheduler-loop fiber. Start is
// not idempotent and must not be called on a stopped scheduler.
func (s *Scheduler) Start() {
	pool := s.poolSize()
	s.wg.Add(pool)
	for i := 0; i < pool; i++ {
		go s.runPoolWorker(i)
	}
	if s.useCaller {
		callerID := pool
		s.callerPrimary = fiber.Bind()
		s.callerLoopFiber = fiber.New(func() {
			s.dispatchLoop(callerID)
		}, fiber.WithSchedulable(false))
		fiber.SetSchedulerLoop(s.callerPrimary, s.callerLoopFiber)
	}
	s.log.Info().Int("workers", s.numWorkers).Bool("use_caller", s.useCaller).Log("scheduler started")
}

func (s *Scheduler) runPoolWorker(id int) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fiber.Bind()
	s.dispatchLoop(id)
}

// dispatchLoop is the per-worker loop of spec §4.2: pop a pinned-or-any
// task, run it, and fall into the idle fiber when the queue is empty.
func (s *Scheduler) dispatchLoop(id int) {
	idle := fiber.New(s.idleEntry(id))

	for {
		task, skipped, ok := s.pop(id)
		if skipped {
			s.tickle()
		}
		if !ok {
			s.idleThreadCount.Add(1)
			if idle.State() == fiber.Ready {
				idle.Resume()
			}
			s.idleThreadCount.Add(-1)
			if idle.State() == fiber.Term {
				return
			}
			continue
		}

		switch {
		case task.Fiber != nil:
			s.activeFibers.Add(1)
			task.Fiber.Resume()
			s.activeFibers.Add(-1)
		case task.Callable != nil:
			s.runOnCallbackFiber(id, task.Callable)
		default:
			panic("scheduler: task with neither fiber nor callable")
		}
	}
}

// runOnCallbackFiber binds fn onto worker id's reusable callback fiber
// (creating it on first use, Reset-ing it on every later use, per spec
// §4.2 step 3) and resumes it.
func (s *Scheduler) runOnCallbackFiber(id int, fn func()) {
	s.cbFibersMu.Lock()
	f := s.cbFibers[id]
	if f == nil {
		f = fiber.New(fn)
		s.cbFibers[id] = f
	} else {
		f.Reset(fn)
	}
	s.cbFibersMu.Unlock()
	f.Resume()
}

// Stop marks the scheduler as stopping, tickles every worker (so each
// observes termination even if idle), drains the caller's scheduler-loop
// fiber if in caller mode, and joins every pool worker.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	for i := 0; i < s.numWorkers; i++ {
		s.tickle()
	}
	if s.useCaller {
		s.tickle()
		s.callerLoopFiber.Resume()
	}
	s.wg.Wait()
	s.log.Info().Log("scheduler stopped")
}
