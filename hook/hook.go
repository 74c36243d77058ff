// Package hook is the external collaborator contract of spec.md §6: the
// retrofit that turns an ordinary blocking-style call (read, write,
// connect, accept, sleep) into one that suspends the calling fiber instead
// of the calling OS thread.
//
// The original hooks libc symbols (read/write/connect/accept/sleep) at
// link/load time so every call site in a C/C++ binary is transparently
// retrofitted. Go programs don't dlsym their own libc, and replacing
// package syscall's call sites process-wide isn't a mechanism Go exposes.
// This package gives library users the same contract explicitly instead:
// call hook.Read/hook.Write/... in place of a direct syscall, on a raw fd
// obtained from net.Conn.(interface{ SyscallConn() }) or similar, and the
// calling fiber suspends on EAGAIN/EWOULDBLOCK exactly as the original's
// hooked call would suspend the calling coroutine.
package hook

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-fiberrt/fiberrt/fdmanager"
	"github.com/go-fiberrt/fiberrt/fiber"
	"github.com/go-fiberrt/fiberrt/reactor"
	"github.com/go-fiberrt/fiberrt/scheduler"
	"github.com/go-fiberrt/fiberrt/timer"
)

// CurrentFiber returns the fiber running on the calling goroutine,
// binding the thread-primary fiber lazily if none has run yet.
func CurrentFiber() *fiber.Fiber { return fiber.Current() }

// CurrentReactor returns the Reactor whose worker goroutine is currently
// executing, or nil outside any Reactor's dispatch loop. Every hook
// operation in this package requires a non-nil CurrentReactor.
func CurrentReactor() *reactor.Reactor { return reactor.Current() }

// ErrTimeout is returned by a hook operation that was cancelled by its
// own timeout timer before the fd became ready.
var ErrTimeout = errors.New("hook: timed out waiting for readiness")

// ErrNoReactor is returned when a hook operation is attempted from a
// goroutine that is not a Reactor worker.
var ErrNoReactor = errors.New("hook: no reactor bound to the calling goroutine")

// opInfo is the timer-info equivalent of spec.md §6: a liveness witness
// shared between a hook operation and its own timeout timer, so the timer
// can tell whether the operation it guards already completed. Its witness
// is evaluated on whichever worker's idle fiber collects expired timers and
// its timer callback then runs as a scheduled callable task, while
// done/cancelled are also read and written from the
// resumed operation's own fiber (a different goroutine) — both fields
// are atomics so the two sides never race.
type opInfo struct {
	cancelled atomic.Bool
	done      atomic.Bool
}

func (o *opInfo) witness() bool { return !o.done.Load() }

// waitReady registers dir on fd, capturing the calling fiber, optionally
// arms a conditional timeout timer, yields, and reports whether it woke
// due to readiness (true) or timeout (false). Grounded on
// original_source/sylar/src/hook.cpp's connect_with_timeout: a timer_info
// witness shared between the operation and its own timeout timer, so a
// timer that fires after the operation already completed is a no-op, and
// an operation that completes before its timer fires cancels that timer.
func waitReady(r *reactor.Reactor, fd int, dir reactor.Event, timeout time.Duration) (bool, error) {
	if err := r.AddEvent(fd, dir, nil); err != nil {
		return false, fmt.Errorf("hook: register readiness: %w", err)
	}

	var (
		info   = &opInfo{}
		handle timer.Handle
		armed  bool
	)
	if timeout > 0 {
		handle = r.Timers().AddConditionalTimer(timeout.Milliseconds(), func() {
			info.cancelled.Store(true)
			_ = r.CancelEvent(fd, dir)
		}, info.witness, false)
		armed = true
	}

	fiber.Yield()
	info.done.Store(true)
	if armed {
		handle.Cancel()
	}
	return !info.cancelled.Load(), nil
}

// Read attempts a non-blocking read into buf. On EAGAIN/EWOULDBLOCK it
// registers fd for read-readiness (yielding the calling fiber) and retries
// once woken, until data is available, EOF, a real error, or timeout
// elapses. A zero timeout means "use fd's FdCtx receive timeout, or block
// indefinitely if that is also zero".
func Read(fd int, buf []byte, timeout time.Duration) (int, error) {
	r := CurrentReactor()
	if r == nil {
		return 0, ErrNoReactor
	}
	ctx := fdmanager.Default().Get(fd, true)
	if timeout == 0 {
		timeout = ctx.Timeout(fdmanager.RCVTimeo)
	}

	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			ready, werr := waitReady(r, fd, reactor.EventRead, timeout)
			if werr != nil {
				return 0, werr
			}
			if !ready {
				return 0, ErrTimeout
			}
			continue
		}
		return n, err
	}
}

// Write attempts a non-blocking write of buf, looping the same
// would-block retrofit as Read until the whole buffer is written, a real
// error occurs, or timeout elapses.
func Write(fd int, buf []byte, timeout time.Duration) (int, error) {
	r := CurrentReactor()
	if r == nil {
		return 0, ErrNoReactor
	}
	ctx := fdmanager.Default().Get(fd, true)
	if timeout == 0 {
		timeout = ctx.Timeout(fdmanager.SNDTimeo)
	}

	var total int
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if n > 0 {
			total += n
		}
		if err == nil {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			ready, werr := waitReady(r, fd, reactor.EventWrite, timeout)
			if werr != nil {
				return total, werr
			}
			if !ready {
				return total, ErrTimeout
			}
			continue
		}
		return total, err
	}
	return total, nil
}

// Connect attempts a non-blocking connect, grounded on sylar's
// connect_with_timeout (original_source/sylar/src/hook.cpp): it starts the
// connect, and if it returns EINPROGRESS, arms a conditional timeout timer
// and a write-readiness registration, yielding until one fires. On wake it
// inspects SO_ERROR to determine the final outcome, matching the
// original's getsockopt(SOL_SOCKET, SO_ERROR) check.
func Connect(fd int, addr unix.Sockaddr, timeout time.Duration) error {
	r := CurrentReactor()
	if r == nil {
		return ErrNoReactor
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	ready, werr := waitReady(r, fd, reactor.EventWrite, timeout)
	if werr != nil {
		return werr
	}
	if !ready {
		return ErrTimeout
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept attempts a non-blocking accept on a listening fd, retrofitted
// the same way as Read: EAGAIN registers read-readiness and yields.
func Accept(fd int, timeout time.Duration) (int, unix.Sockaddr, error) {
	r := CurrentReactor()
	if r == nil {
		return -1, nil, ErrNoReactor
	}

	for {
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			fdmanager.Default().Get(nfd, true)
			return nfd, sa, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			ready, werr := waitReady(r, fd, reactor.EventRead, timeout)
			if werr != nil {
				return -1, nil, werr
			}
			if !ready {
				return -1, nil, ErrTimeout
			}
			continue
		}
		return -1, nil, err
	}
}

// Close closes fd, first cancelling every event the current reactor has
// registered on it so any fiber parked in Read/Write/Connect/Accept on fd
// is resumed as if fd had become ready, instead of leaking forever, matching the original's fd_ctx::close semantics of
// tearing down hook-layer bookkeeping before the real close(2). A no-op
// on the reactor side when called outside any reactor worker.
func Close(fd int) error {
	if r := CurrentReactor(); r != nil {
		r.CancelAll(fd)
	}
	fdmanager.Default().Del(fd)
	return unix.Close(fd)
}

// Sleep suspends the calling fiber for d without blocking its worker
// thread: an ordinary timer plus a yield, per spec.md §6.
func Sleep(d time.Duration) {
	r := CurrentReactor()
	if r == nil {
		// No reactor bound to this goroutine (e.g. a plain unit test);
		// degrade to a real sleep rather than panicking, since Sleep has
		// no error return to report ErrNoReactor through.
		time.Sleep(d)
		return
	}
	self := fiber.Current()
	r.Timers().AddTimer(d.Milliseconds(), func() {
		r.Schedule(scheduler.FiberTask(self, scheduler.AnyWorker))
	}, false)
	fiber.Yield()
}
