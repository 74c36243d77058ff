package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fiberrt/fiberrt/fiber"
	"github.com/go-fiberrt/fiberrt/scheduler"
)

func newTestReactor(t *testing.T, workers int) *Reactor {
	t.Helper()
	r, err := New(workers)
	require.NoError(t, err)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

// TestAddEvent_DelEvent_IsNoOp is the first law of spec.md §8: add then del
// never invokes the callback.
func TestAddEvent_DelEvent_IsNoOp(t *testing.T) {
	r := newTestReactor(t, 1)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	var called bool
	require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, func() { called = true }))
	require.NoError(t, r.DelEvent(int(pr.Fd()), EventRead))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
	assert.Equal(t, int64(0), r.PendingEvents())
}

// TestAddEvent_CancelEvent_InvokesOnce is the second law: add then cancel
// invokes cb exactly once.
func TestAddEvent_CancelEvent_InvokesOnce(t *testing.T) {
	r := newTestReactor(t, 1)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	calls := make(chan struct{}, 2)
	require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, func() { calls <- struct{}{} }))
	require.NoError(t, r.CancelEvent(int(pr.Fd()), EventRead))

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never invoked the callback")
	}
	select {
	case <-calls:
		t.Fatal("callback invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(0), r.PendingEvents())
}

// TestReadinessDelivery_OnWrite: data written to a pipe fires the callback
// registered for EventRead.
func TestReadinessDelivery_OnWrite(t *testing.T) {
	r := newTestReactor(t, 1)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	fired := make(chan struct{})
	require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, func() { close(fired) }))

	if _, err := pw.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("readiness never delivered after write")
	}
}

// TestReadinessDelivery_OnClose covers scenario 4's HUP branch: closing
// the write end fires a READ-registered callback with HUP folded into the
// registered direction.
func TestReadinessDelivery_OnClose(t *testing.T) {
	r := newTestReactor(t, 1)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()

	fired := make(chan struct{})
	require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, func() { close(fired) }))

	require.NoError(t, pw.Close())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("readiness never delivered after peer close")
	}
}

// TestSelfPipeTickle covers scenario 2: scheduling a callable wakes an
// idle worker well within the 5s cap.
func TestSelfPipeTickle(t *testing.T) {
	r := newTestReactor(t, 2)
	time.Sleep(20 * time.Millisecond) // let both workers settle into idle

	start := time.Now()
	done := make(chan struct{})
	r.Schedule(scheduler.CallableTask(func() { close(done) }, scheduler.AnyWorker))

	select {
	case <-done:
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("tickle never woke an idle worker")
	}
}

// TestGracefulShutdown_DrainsPendingFDsAndTimers covers scenario 6: every
// registered callback runs (cancel-equivalent semantics) before Stop
// returns.
func TestGracefulShutdown_DrainsPendingFDsAndTimers(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)
	r.Start()

	var pipes [3][2]*os.File
	fired := make(chan int, 3)
	for i := range pipes {
		pr, pw, err := os.Pipe()
		require.NoError(t, err)
		pipes[i] = [2]*os.File{pr, pw}
		i := i
		require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, func() { fired <- i }))
	}

	timerFired := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		r.timers.AddTimer(10_000, func() { timerFired <- struct{}{} }, false)
	}

	r.Stop()

	assert.Equal(t, 3, len(fired))
	assert.Equal(t, 2, len(timerFired))

	for _, p := range pipes {
		p[0].Close()
		p[1].Close()
	}
}

// TestHookStylePattern_FiberResumesOnReadiness exercises AddEvent the way the hook package's
// Read/Write would: capture the running fiber, yield, and resume on
// readiness.
func TestHookStylePattern_FiberResumesOnReadiness(t *testing.T) {
	r := newTestReactor(t, 1)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	resumed := make(chan struct{})
	f := fiber.New(func() {
		require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, nil))
		fiber.Yield()
		close(resumed)
	})
	r.Schedule(scheduler.FiberTask(f, scheduler.AnyWorker))

	time.Sleep(20 * time.Millisecond)
	_, err = pw.Write([]byte("y"))
	require.NoError(t, err)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber was never resumed on readiness")
	}
}

func TestAddEvent_DoubleRegistrationPanics(t *testing.T) {
	r := newTestReactor(t, 1)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	require.NoError(t, r.AddEvent(int(pr.Fd()), EventRead, func() {}))
	assert.Panics(t, func() {
		_ = r.AddEvent(int(pr.Fd()), EventRead, func() {})
	})
}
