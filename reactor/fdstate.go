package reactor

import (
	"sync"

	"github.com/go-fiberrt/fiberrt/fiber"
	"github.com/go-fiberrt/fiberrt/scheduler"
)

// eventSlot is one of a fdState's two event slots: the dispatch target
// armed for one direction, either a fiber (captured at AddEvent time) or a
// plain callable. Every fdState belongs to exactly one Reactor, which owns
// exactly one Scheduler, so the slot itself never needs to record which
// Scheduler runs its Task — the owning Reactor always posts it to its own.
type eventSlot struct {
	f  *fiber.Fiber
	cb func()
}

func (s eventSlot) empty() bool { return s.f == nil && s.cb == nil }

// asTask converts a populated slot into the Task the owning Reactor's
// Scheduler should run.
func (s eventSlot) asTask() scheduler.Task {
	if s.f != nil {
		return scheduler.FiberTask(s.f, scheduler.AnyWorker)
	}
	return scheduler.CallableTask(s.cb, scheduler.AnyWorker)
}

// fdState is the per-fd record of spec.md §3: the fd, its interest mask,
// two event slots (one per direction), and a per-fd mutex.
type fdState struct {
	mu       sync.Mutex
	fd       int
	interest Event
	slots    [2]eventSlot // index 0 = read, index 1 = write
}

func slotIndex(dir Event) int {
	if dir == EventRead {
		return 0
	}
	return 1
}

// consumeLocked zeroes slot idx and returns its task, if any. Callers must
// hold s.mu. Breaking the potential fiber -> slot -> callback -> fiber
// cycle by moving (not copying) the handle out of the slot before
// dispatch, per spec.md §9 "Cyclic references".
func (s *fdState) consumeLocked(idx int) (scheduler.Task, bool) {
	slot := s.slots[idx]
	if slot.empty() {
		return scheduler.Task{}, false
	}
	s.slots[idx] = eventSlot{}
	return slot.asTask(), true
}

// fdTable is the Reactor's sparse array of fdState, indexed by fd, growing
// by ×1.5 on demand per spec.md §3/§4.4.
type fdTable struct {
	mu   sync.RWMutex
	data []*fdState
}

func (t *fdTable) get(fd int) *fdState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd >= 0 && fd < len(t.data) {
		return t.data[fd]
	}
	return nil
}

// getOrCreate returns the fdState for fd, allocating one (and growing the
// backing array by ×1.5 if fd is out of range) if none exists yet.
func (t *fdTable) getOrCreate(fd int) *fdState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.data) {
		if t.data[fd] == nil {
			t.data[fd] = &fdState{fd: fd}
		}
		return t.data[fd]
	}
	newLen := int(float64(fd+1) * 1.5)
	grown := make([]*fdState, newLen)
	copy(grown, t.data)
	t.data = grown
	t.data[fd] = &fdState{fd: fd}
	return t.data[fd]
}

// snapshotFDs returns every fd currently holding a live fdState, for
// draining on shutdown.
func (t *fdTable) snapshotFDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fds := make([]int, 0, len(t.data))
	for fd, state := range t.data {
		if state != nil {
			fds = append(fds, fd)
		}
	}
	return fds
}

func (t *fdTable) delete(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.data) {
		t.data[fd] = nil
	}
}
