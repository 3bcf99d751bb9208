// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import (
	"container/heap"
)

// TimerHandle identifies a scheduled callback for cancellation, returned
// by a schedule(deadline, callback) -> handle call.
type TimerHandle uint64

// timerEntry is one scheduled callback, keyed on an explicit cancellable
// handle since the wait engine needs one per wait frame.
type timerEntry struct {
	handle    TimerHandle
	deadline  Tick
	callback  func()
	cancelled bool
	index     int // not maintained: cancellation is lazy, so no heap position is tracked
}

// timerHeap is a min-heap by deadline (container/heap.Interface over a
// slice). Cancel uses lazy cancellation (mark-and-skip) rather than
// container/heap-based removal, avoiding the need to track each entry's
// heap index, which keeps Cancel O(1) and idempotent.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerService schedules callbacks at an absolute monotonic deadline and
// supports idempotent cancellation. It has no goroutines of its own: all
// scheduling and firing happens on whatever goroutine calls
// [TimerService.Schedule] / [TimerService.RunDue], which in this package's
// design is always the single Server loop goroutine.
type TimerService struct {
	clock   Clock
	heap    timerHeap
	byID    map[TimerHandle]*timerEntry
	nextID  TimerHandle
}

// NewTimerService constructs a TimerService reading ticks from clock.
func NewTimerService(clock Clock) *TimerService {
	return &TimerService{
		clock: clock,
		byID:  make(map[TimerHandle]*timerEntry),
	}
}

// Schedule installs callback to run when the clock reaches deadline.
// TimeoutInfinite must never be passed here -- callers (the wait engine)
// are responsible for skipping timer installation entirely on an infinite
// deadline.
func (s *TimerService) Schedule(deadline Tick, callback func()) TimerHandle {
	s.nextID++
	id := s.nextID
	e := &timerEntry{handle: id, deadline: deadline, callback: callback}
	s.byID[id] = e
	heap.Push(&s.heap, e)
	return id
}

// Cancel cancels handle. It is idempotent and safe whether or not the
// callback has already fired: cancelling an unknown or already-fired
// handle is a silent no-op.
func (s *TimerService) Cancel(handle TimerHandle) {
	e, ok := s.byID[handle]
	if !ok {
		return
	}
	e.cancelled = true
	delete(s.byID, handle)
}

// RunDue pops and invokes every non-cancelled timer whose deadline has
// passed, in deadline order: timers never fire earlier than their deadline.
func (s *TimerService) RunDue() {
	now := s.clock.Now()
	for s.heap.Len() > 0 {
		e := s.heap[0]
		if e.deadline > now {
			break
		}
		heap.Pop(&s.heap)
		if e.cancelled {
			continue
		}
		delete(s.byID, e.handle)
		if e.callback != nil {
			e.callback()
		}
	}
}

// NextDeadline returns the soonest pending deadline and true, or (0, false)
// if no timer is scheduled. Callers (the event loop's poll step) use this
// to bound how long they may block waiting for external events.
func (s *TimerService) NextDeadline() (Tick, bool) {
	for s.heap.Len() > 0 && s.heap[0].cancelled {
		heap.Pop(&s.heap)
	}
	if s.heap.Len() == 0 {
		return 0, false
	}
	return s.heap[0].deadline, true
}
