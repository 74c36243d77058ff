// Package fiber implements the stackful-coroutine primitive: a schedulable
// unit of execution with states READY/RUNNING/TERM and a symmetric
// resume/yield context-swap contract.
//
// Go gives user code no way to swap a raw machine stack, so the "saved
// machine context" of the original model is realized here as a dedicated
// goroutine per fiber, parked on a rendezvous channel between resumes. The
// resume/yield contract this package exposes is identical to a real
// stack-swap implementation: a fiber never returns from Resume until a
// matching Yield (or its final, implicit one) hands control back.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-fiberrt/fiberrt/internal/gid"
)

// State is a fiber's position in its READY -> RUNNING -> TERM lifecycle.
type State int32

const (
	// Ready means the fiber is suspended and eligible for resume.
	Ready State = iota
	// Running means the fiber is the one currently executing on its worker.
	Running
	// Term means the fiber's entry callable has returned; it may be Reset
	// but never resumed again as-is.
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// workerCtx is the thread-local pair a real OS-thread implementation would
// keep: the thread-primary fiber and the fiber running that worker's
// dispatch loop. It is shared, by pointer, by every fiber resumed on a given
// worker's lane, and is propagated from resumer to resumed at each Resume
// call — exactly standing in for "this OS thread's" thread-local state.
type workerCtx struct {
	primary       *Fiber
	schedulerLoop *Fiber
}

// Fiber is a stackful coroutine. The zero value is not usable; construct one
// with New or Bind.
type Fiber struct {
	id          uint64
	stackSize   int
	schedulable bool
	primary     bool

	entryMu sync.Mutex
	entry   func()

	state atomic.Int32

	startMu sync.Mutex
	started bool
	wake    chan struct{}

	wctx *workerCtx
}

var nextID atomic.Uint64

// Option configures a Fiber constructed with New.
type Option func(*Fiber)

// WithStackSize records a stack-size hint. Go fibers run on goroutines with
// their own growable stacks, so this is bookkeeping only — it is not wired
// to any real allocation, but is kept so callers porting sizing decisions
// from the original model have somewhere to put them.
func WithStackSize(n int) Option {
	return func(f *Fiber) { f.stackSize = n }
}

// WithSchedulable overrides the default (true) schedulable flag. Pass false
// for a fiber that runs a dispatch loop (the scheduler-loop fiber) — such
// fibers yield directly to the thread-primary fiber, never to a scheduler.
func WithSchedulable(schedulable bool) Option {
	return func(f *Fiber) { f.schedulable = schedulable }
}

const defaultStackSize = 128 * 1024

// New constructs a fiber in the READY state with the given entry callable.
func New(entry func(), opts ...Option) *Fiber {
	if entry == nil {
		panic("fiber: entry must not be nil")
	}
	f := &Fiber{
		id:          nextID.Add(1),
		stackSize:   defaultStackSize,
		schedulable: true,
		entry:       entry,
		wake:        make(chan struct{}, 1),
	}
	f.state.Store(int32(Ready))
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID returns the fiber's identity, stable for its lifetime (including
// across Reset).
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Schedulable reports whether a Scheduler may carry this fiber as a Task.
func (f *Fiber) Schedulable() bool { return f.schedulable }

// IsPrimary reports whether this is a thread-primary fiber created by Bind.
func (f *Fiber) IsPrimary() bool { return f.primary }

var registry sync.Map // goroutine id (uint64) -> *Fiber

func registerCurrent(f *Fiber) { registry.Store(gid.Current(), f) }

func unregisterCurrent() { registry.Delete(gid.Current()) }

// Current returns the fiber the calling goroutine is executing as. If no
// fiber has been bound to this goroutine yet, it lazily creates and binds a
// thread-primary fiber, matching the contract hook layers rely on:
// current_fiber() creates the thread-primary fiber on first observation.
func Current() *Fiber {
	if v, ok := registry.Load(gid.Current()); ok {
		return v.(*Fiber)
	}
	return Bind()
}

// Bind creates and registers a thread-primary fiber for the calling
// goroutine. Call it once per worker goroutine before any Resume/Yield use;
// Current calls it automatically if nothing is bound yet. The thread-primary
// fiber owns the goroutine's native call stack: it is RUNNING from
// construction and is never destroyed while the worker lives.
func Bind() *Fiber {
	f := &Fiber{
		id:          nextID.Add(1),
		primary:     true,
		schedulable: false,
		wake:        make(chan struct{}, 1),
		started:     true,
	}
	f.state.Store(int32(Running))
	f.wctx = &workerCtx{primary: f, schedulerLoop: f}
	registerCurrent(f)
	return f
}

// SetSchedulerLoop installs loopFiber as the worker's dedicated
// scheduler-loop fiber, used by caller-thread mode where the dispatch loop
// runs on its own fiber rather than coinciding with the thread-primary
// fiber. primary must be a thread-primary fiber returned by Bind, called on
// its own goroutine.
func SetSchedulerLoop(primary, loopFiber *Fiber) {
	if !primary.primary {
		panic("fiber: SetSchedulerLoop requires a thread-primary fiber")
	}
	primary.wctx.schedulerLoop = loopFiber
	loopFiber.wctx = primary.wctx
}

// SchedulerLoop returns the scheduler-loop fiber in scope for f — the fiber
// a schedulable fiber returns control to on yield. f must have been resumed
// at least once.
func (f *Fiber) SchedulerLoop() *Fiber {
	if f.wctx == nil {
		panic("fiber: SchedulerLoop called before the fiber has a worker context")
	}
	return f.wctx.schedulerLoop
}

// Resume transfers control from the calling fiber to f. It does not return
// until f yields (or terminates) back to the calling fiber's lane.
//
// Preconditions: f.State() == Ready, and the calling goroutine is itself
// running as a fiber. Both are programming errors (panic) if violated.
func (f *Fiber) Resume() {
	caller := Current()
	if caller.State() != Running {
		panic("fiber: Resume called by a fiber that is not RUNNING")
	}
	if s := f.State(); s != Ready {
		panic(fmt.Sprintf("fiber: Resume of fiber %d in state %s, want READY", f.id, s))
	}

	f.wctx = caller.wctx
	f.state.Store(int32(Running))

	f.startMu.Lock()
	alreadyStarted := f.started
	f.started = true
	f.startMu.Unlock()

	if !alreadyStarted {
		go f.run()
	} else {
		f.wake <- struct{}{}
	}

	<-caller.wake
	// Defensive re-assert: this goroutine is still caller, exactly as it
	// was before the call, but restating it costs nothing and guards
	// against any future change that might otherwise leave it stale.
	registerCurrent(caller)
}

// run is the trampoline for a freshly-started fiber goroutine: it executes
// the entry callable exactly once, marks the fiber TERM, and performs the
// final yield. It must never return past that yield.
func (f *Fiber) run() {
	// f runs on this goroutine for its entire lifetime, across every
	// future park/wake cycle through Yield/Resume — register it once,
	// here, on the goroutine that will actually execute it (not the
	// caller's goroutine that spawned it).
	registerCurrent(f)
	defer unregisterCurrent()

	f.entryMu.Lock()
	entry := f.entry
	f.entryMu.Unlock()

	entry()

	f.state.Store(int32(Term))
	f.yieldTo(returnTarget(f))
}

// Yield suspends the calling fiber and transfers control to its return
// target: the scheduler-loop fiber if the caller is schedulable, otherwise
// the thread-primary fiber. It panics if the calling fiber is not RUNNING,
// including the thread-primary fiber itself (which has no caller to return
// to by construction).
func Yield() {
	self := Current()
	if self.primary {
		panic("fiber: a thread-primary fiber cannot Yield")
	}
	if self.State() != Running {
		panic(fmt.Sprintf("fiber: Yield called by fiber %d in state %s, want RUNNING", self.id, self.State()))
	}
	self.state.Store(int32(Ready))
	self.yieldTo(returnTarget(self))
	<-self.wake
}

// yieldTo hands control to target, without parking the caller — used both
// by the voluntary Yield path (which parks immediately after) and by the
// trampoline's final yield (which must not park, since its goroutine is
// exiting). target's own goroutine already has itself registered (from
// Bind, or from the first line of run), so no registration happens here.
func (f *Fiber) yieldTo(target *Fiber) {
	target.wake <- struct{}{}
}

// returnTarget is the fiber f returns control to on yield: its worker's
// scheduler-loop fiber if f is schedulable, otherwise its worker's
// thread-primary fiber. See spec §4.1 — this is the corrected,
// unconditional form of that dispatch, not the conditional one.
func returnTarget(f *Fiber) *Fiber {
	if f.wctx == nil {
		panic("fiber: yield from a fiber with no worker context (never resumed)")
	}
	if f.schedulable {
		return f.wctx.schedulerLoop
	}
	return f.wctx.primary
}

// Reset reuses a TERM fiber's identity with a new entry callable, returning
// it to READY; the next Resume runs the new entry on a fresh goroutine, since
// the previous one exited after the final yield. Resetting a fiber that is
// not TERM is a programming error.
func (f *Fiber) Reset(entry func()) {
	if entry == nil {
		panic("fiber: Reset requires a non-nil entry")
	}
	if s := f.State(); s != Term {
		panic(fmt.Sprintf("fiber: Reset of fiber %d in state %s, want TERM", f.id, s))
	}
	f.entryMu.Lock()
	f.entry = entry
	f.entryMu.Unlock()

	f.startMu.Lock()
	f.started = false
	f.startMu.Unlock()

	f.state.Store(int32(Ready))
}
