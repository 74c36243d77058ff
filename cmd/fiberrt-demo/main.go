// Command fiberrt-demo exercises the end-to-end scenarios of spec.md §8
// against a single running process: spawn-and-join, self-pipe tickle,
// readiness-after-close, a recurring timer under load, and graceful
// shutdown with pending fds and timers.
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-fiberrt/fiberrt/fiber"
	"github.com/go-fiberrt/fiberrt/hook"
	"github.com/go-fiberrt/fiberrt/internal/rtlog"
	"github.com/go-fiberrt/fiberrt/reactor"
	"github.com/go-fiberrt/fiberrt/scheduler"
	"golang.org/x/sys/unix"
)

var log = rtlog.Named(rtlog.Default(), "demo")

func main() {
	defer func() {
		// Process-boundary recovery: a panic here denotes an invariant
		// violation (spec.md §7) that nothing upstream can meaningfully
		// recover from; log it with full context and exit non-zero.
		if r := recover(); r != nil {
			log.Err().Any("panic", r).Log("fiberrt-demo: fatal invariant violation")
			os.Exit(1)
		}
	}()

	spawnAndJoinTenFibers()
	selfPipeTickle()
	readinessAfterClose()
	recurringTimerUnderLoad()
	gracefulShutdown()
	hookSleepDemo()

	log.Info().Log("fiberrt-demo: all scenarios completed")
}

// spawnAndJoinTenFibers is spec.md §8 scenario 1.
func spawnAndJoinTenFibers() {
	s := scheduler.New(1)
	s.Start()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		s.Schedule(scheduler.CallableTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			fmt.Println(i)
		}, scheduler.AnyWorker))
	}
	s.Stop()

	log.Info().Int("count", len(order)).Log("scenario: spawn-and-join ten fibers")
}

// selfPipeTickle is spec.md §8 scenario 2: a reactor with two worker
// threads, where a concurrently scheduled callable wakes a worker blocked
// in the notifier wait well within the 5s cap.
func selfPipeTickle() {
	r, err := reactor.New(2)
	if err != nil {
		log.Err().Err(err).Log("selfPipeTickle: reactor init failed")
		return
	}
	r.Start()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond) // let both workers settle into idle

	start := time.Now()
	done := make(chan struct{})
	r.Schedule(scheduler.CallableTask(func() { close(done) }, scheduler.AnyWorker))

	select {
	case <-done:
		log.Info().Int64("latency_ms", time.Since(start).Milliseconds()).Log("scenario: self-pipe tickle")
	case <-time.After(time.Second):
		log.Err().Log("scenario: self-pipe tickle never woke a worker")
	}
}

// readinessAfterClose is spec.md §8 scenario 4: closing the peer end of a
// pipe fires a callback registered for READ (HUP folded into the registered
// direction).
func readinessAfterClose() {
	r, err := reactor.New(1)
	if err != nil {
		log.Err().Err(err).Log("readinessAfterClose: reactor init failed")
		return
	}
	r.Start()
	defer r.Stop()

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		log.Err().Err(err).Log("readinessAfterClose: pipe failed")
		return
	}
	defer unix.Close(fds[0])

	fired := make(chan struct{})
	if err := r.AddEvent(fds[0], reactor.EventRead, func() { close(fired) }); err != nil {
		log.Err().Err(err).Log("readinessAfterClose: AddEvent failed")
		return
	}
	unix.Close(fds[1])

	select {
	case <-fired:
		log.Info().Log("scenario: readiness delivered after peer close")
	case <-time.After(time.Second):
		log.Err().Log("scenario: readiness never delivered after peer close")
	}
}

// recurringTimerUnderLoad is spec.md §8 scenario 5, scaled down for a demo
// binary: a 100ms recurring timer runs alongside a pool of CPU-bound
// fibers that repeatedly yield, and the timer still fires on schedule.
func recurringTimerUnderLoad() {
	r, err := reactor.New(4)
	if err != nil {
		log.Err().Err(err).Log("recurringTimerUnderLoad: reactor init failed")
		return
	}
	r.Start()

	var fireCount int
	var mu sync.Mutex
	handle := r.Timers().AddTimer(100, func() {
		mu.Lock()
		fireCount++
		mu.Unlock()
	}, true)

	var wg sync.WaitGroup
	const fibers = 100
	wg.Add(fibers)
	for i := 0; i < fibers; i++ {
		f := fiber.New(func() {
			for j := 0; j < 100; j++ {
				fiber.Yield()
			}
			wg.Done()
		})
		r.Schedule(scheduler.FiberTask(f, scheduler.AnyWorker))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Err().Log("recurringTimerUnderLoad: fibers did not drain in time")
	}

	time.Sleep(400 * time.Millisecond)
	handle.Cancel()
	r.Stop()

	mu.Lock()
	n := fireCount
	mu.Unlock()
	log.Info().Int("fired", n).Log("scenario: recurring timer under load")
}

// gracefulShutdown is spec.md §8 scenario 6: stopping a reactor with
// pending fds and timers runs every registered callback before Stop
// returns.
func gracefulShutdown() {
	r, err := reactor.New(2)
	if err != nil {
		log.Err().Err(err).Log("gracefulShutdown: reactor init failed")
		return
	}
	r.Start()

	var pending [3][2]int
	fired := make(chan int, len(pending))
	for i := range pending {
		var fds [2]int
		if err := unix.Pipe(fds[:]); err != nil {
			log.Err().Err(err).Log("gracefulShutdown: pipe failed")
			return
		}
		pending[i] = fds
		i := i
		_ = r.AddEvent(fds[0], reactor.EventRead, func() { fired <- i })
	}

	var timerFired int
	var mu sync.Mutex
	for i := 0; i < 2; i++ {
		r.Timers().AddTimer(10_000, func() {
			mu.Lock()
			timerFired++
			mu.Unlock()
		}, false)
	}

	r.Stop()

	for _, fds := range pending {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}

	mu.Lock()
	n := timerFired
	mu.Unlock()
	log.Info().
		Int("fds_fired", len(fired)).
		Int("timers_fired", n).
		Log("scenario: graceful shutdown drained pending fds and timers")
}

// hookSleepDemo exercises the hook package's blocking-call retrofit
// directly: Sleep suspends the calling fiber via a timer, never blocking
// its worker thread.
func hookSleepDemo() {
	r, err := reactor.New(1)
	if err != nil {
		log.Err().Err(err).Log("hookSleepDemo: reactor init failed")
		return
	}
	r.Start()
	defer r.Stop()

	start := time.Now()
	done := make(chan struct{})
	f := fiber.New(func() {
		hook.Sleep(50 * time.Millisecond)
		close(done)
	})
	r.Schedule(scheduler.FiberTask(f, scheduler.AnyWorker))

	select {
	case <-done:
		log.Info().Int64("elapsed_ms", time.Since(start).Milliseconds()).Log("scenario: hook.Sleep resumed the fiber")
	case <-time.After(2 * time.Second):
		log.Err().Log("scenario: hook.Sleep never resumed the fiber")
	}
}
