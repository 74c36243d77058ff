package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagerWithClock() (*Manager, *fakeClock) {
	c := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(WithClock(c.Now)), c
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAddTimer_FiresOnceAtDeadline(t *testing.T) {
	m, clock := newManagerWithClock()
	var fired int
	m.AddTimer(100, func() { fired++ }, false)

	assert.Empty(t, m.CollectExpired())
	clock.Advance(99 * time.Millisecond)
	assert.Empty(t, m.CollectExpired())

	clock.Advance(1 * time.Millisecond)
	cbs := m.CollectExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.Equal(t, 1, fired)
	assert.True(t, m.Empty())
}

func TestAddTimer_CancelPreventsCallback(t *testing.T) {
	m, clock := newManagerWithClock()
	var fired bool
	h := m.AddTimer(50, func() { fired = true }, false)
	h.Cancel()
	clock.Advance(time.Second)
	assert.Empty(t, m.CollectExpired())
	assert.False(t, fired)
}

func TestAddTimer_Recurring(t *testing.T) {
	m, clock := newManagerWithClock()
	var count int
	m.AddTimer(100, func() { count++ }, true)

	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		for _, cb := range m.CollectExpired() {
			cb()
		}
	}
	assert.Equal(t, 5, count)
	assert.False(t, m.Empty(), "recurring timer re-inserts itself")
}

func TestConditionalTimer_SkippedWhenWitnessDead(t *testing.T) {
	m, clock := newManagerWithClock()
	alive := false
	var fired bool
	m.AddConditionalTimer(10, func() { fired = true }, func() bool { return alive }, false)

	clock.Advance(10 * time.Millisecond)
	cbs := m.CollectExpired()
	assert.Empty(t, cbs, "dead witness means the firing is silently skipped")
	assert.False(t, fired)
}

func TestConditionalTimer_FiresWhenWitnessAlive(t *testing.T) {
	m, clock := newManagerWithClock()
	alive := true
	var fired bool
	m.AddConditionalTimer(10, func() { fired = true }, func() bool { return alive }, false)

	clock.Advance(10 * time.Millisecond)
	cbs := m.CollectExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
}

func TestNextTimeout_EmptyIsSentinel(t *testing.T) {
	m, _ := newManagerWithClock()
	assert.Equal(t, NoTimers, m.NextTimeout())
}

func TestNextTimeout_ReflectsEarliestDeadline(t *testing.T) {
	m, _ := newManagerWithClock()
	m.AddTimer(500, func() {}, false)
	m.AddTimer(100, func() {}, false)
	assert.Equal(t, 100*time.Millisecond, m.NextTimeout())
}

func TestOnInsertAtFront_FiresOnlyOnNewMinimum(t *testing.T) {
	m, _ := newManagerWithClock()
	var calls int
	m.SetOnInsertAtFront(func() { calls++ })

	m.AddTimer(500, func() {}, false)
	assert.Equal(t, 1, calls, "first insertion is always the new minimum")

	m.AddTimer(900, func() {}, false)
	assert.Equal(t, 1, calls, "later, larger deadline is not a new minimum")

	m.AddTimer(100, func() {}, false)
	assert.Equal(t, 2, calls, "earlier deadline becomes the new minimum")
}

func TestCollectExpired_DeadlineOrder(t *testing.T) {
	m, clock := newManagerWithClock()
	var order []int
	m.AddTimer(300, func() { order = append(order, 3) }, false)
	m.AddTimer(100, func() { order = append(order, 1) }, false)
	m.AddTimer(200, func() { order = append(order, 2) }, false)

	clock.Advance(300 * time.Millisecond)
	for _, cb := range m.CollectExpired() {
		cb()
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCollectExpired_ClockSkewTreatsAllAsExpired(t *testing.T) {
	m, clock := newManagerWithClock()
	var fired bool
	m.AddTimer(10_000, func() { fired = true }, false)

	// Simulate a large backward jump (clock skew), well past skewThreshold.
	clock.Advance(-2 * time.Hour)
	cbs := m.CollectExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
}

func TestHandle_Reset(t *testing.T) {
	m, clock := newManagerWithClock()
	var fired bool
	h := m.AddTimer(1000, func() { fired = true }, false)
	h.Reset(10)

	clock.Advance(10 * time.Millisecond)
	cbs := m.CollectExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
}

func TestCollectExpired_ClockSkewDoesNotLivelockRecurringTimer(t *testing.T) {
	m, clock := newManagerWithClock()
	var count int
	m.AddTimer(100, func() { count++ }, true)

	clock.Advance(-2 * time.Hour) // clock skew: every timer looks expired
	cbs := m.CollectExpired()
	for _, cb := range cbs {
		cb()
	}

	assert.Equal(t, 1, count, "the recurring timer fires exactly once per CollectExpired call, even under skew")
	assert.False(t, m.Empty(), "it re-inserts itself for its next period")
}

func TestDrainAll_FiresEveryTimerRegardlessOfDeadline(t *testing.T) {
	m, _ := newManagerWithClock()
	var fired int
	m.AddTimer(10_000, func() { fired++ }, false)
	m.AddTimer(20_000, func() { fired++ }, true)

	cbs := m.DrainAll()
	require.Len(t, cbs, 2)
	for _, cb := range cbs {
		cb()
	}
	assert.Equal(t, 2, fired)
	assert.True(t, m.Empty(), "DrainAll never re-inserts recurring timers")
}

func TestDrainAll_SkipsDeadWitness(t *testing.T) {
	m, _ := newManagerWithClock()
	alive := false
	var fired bool
	m.AddConditionalTimer(10_000, func() { fired = true }, func() bool { return alive }, false)

	cbs := m.DrainAll()
	assert.Empty(t, cbs)
	assert.False(t, fired)
}

func TestHandle_Refresh(t *testing.T) {
	m, clock := newManagerWithClock()
	h := m.AddTimer(100, func() {}, false)

	clock.Advance(90 * time.Millisecond)
	assert.Empty(t, m.CollectExpired())

	h.Refresh() // re-key to now+period (100ms out again)
	clock.Advance(90 * time.Millisecond)
	assert.Empty(t, m.CollectExpired(), "refresh pushed the deadline back out")

	clock.Advance(10 * time.Millisecond)
	assert.Len(t, m.CollectExpired(), 1)
}
