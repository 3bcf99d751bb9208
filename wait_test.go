// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import (
	"testing"
	"time"
)

// testObject is a minimal waitable [Object], usable as a stand-in for an
// event/semaphore/mutex-like concrete kind this package never implements
// itself. signaled controls IsSignaled; abandon, when true, makes the
// next Satisfied call report an abandoned acquisition.
type testObject struct {
	WaitQueue
	signaled bool
	abandon  bool
}

var _ Object = (*testObject)(nil)
var _ QueueWalker = (*testObject)(nil)
var _ Signaler = (*testObject)(nil)

func (o *testObject) IsSignaled(*Thread) bool { return o.signaled }
func (o *testObject) Satisfied(*Thread) bool  { return o.abandon }
func (o *testObject) AddWaiter(e *QueueEntry) error {
	o.WaitQueue.Add(e)
	return nil
}
func (o *testObject) RemoveWaiter(e *QueueEntry)                 { o.WaitQueue.Remove(e) }
func (o *testObject) WaitQueueEntries() []*QueueEntry            { return o.WaitQueue.Entries() }
func (o *testObject) MapAccessMask(mask AccessMask) AccessMask   { return mask }
func (o *testObject) Destroy()                                  {}
func (o *testObject) Signal() error {
	o.signaled = true
	return nil
}

func newTestThread() *Thread {
	proc := NewProcess(1, PriorityClassNormal, 0xF, "")
	tt := NewThreadTable()
	th, err := tt.CreateThread(proc, nil, time.Now())
	if err != nil {
		panic(err)
	}
	return th
}

func TestCheckWait_SingleObjectSignaledFirstWins(t *testing.T) {
	th := newTestThread()
	a := &testObject{}
	b := &testObject{signaled: true}

	f := newWaitFrame(th, []Object{a, b}, 0, TimeoutInfinite, 42)
	outcome := checkWait(f, 0)
	if outcome.pending {
		t.Fatal("expected resolved outcome")
	}
	if outcome.status != 1 {
		t.Fatalf("status = %v, want index 1 signaled", outcome.status)
	}
}

func TestCheckWait_WaitAllRequiresEverySignal(t *testing.T) {
	th := newTestThread()
	a := &testObject{signaled: true}
	b := &testObject{}

	f := newWaitFrame(th, []Object{a, b}, WaitAll, TimeoutInfinite, 0)
	if outcome := checkWait(f, 0); !outcome.pending {
		t.Fatal("expected pending: not all objects signaled")
	}

	b.signaled = true
	if outcome := checkWait(f, 0); outcome.pending || outcome.status != StatusSuccess {
		t.Fatalf("outcome = %+v, want resolved StatusSuccess", outcome)
	}
}

func TestCheckWait_AbandonedOffsetsStatus(t *testing.T) {
	th := newTestThread()
	a := &testObject{signaled: true, abandon: true}

	f := newWaitFrame(th, []Object{a}, 0, TimeoutInfinite, 0)
	outcome := checkWait(f, 0)
	if outcome.status != StatusAbandonedWait0 {
		t.Fatalf("status = %#x, want StatusAbandonedWait0", outcome.status)
	}
}

func TestCheckWait_TimeoutOnlyAfterDeadline(t *testing.T) {
	th := newTestThread()
	a := &testObject{}
	f := newWaitFrame(th, []Object{a}, 0, 100, 0)
	f.HasTimeout = true

	if outcome := checkWait(f, 50); !outcome.pending {
		t.Fatal("expected pending before deadline")
	}
	if outcome := checkWait(f, 100); outcome.pending || outcome.status != StatusTimeout {
		t.Fatalf("outcome = %+v, want StatusTimeout at deadline", outcome)
	}
}

func TestWaitQueue_AddRemoveIsIdempotent(t *testing.T) {
	var q WaitQueue
	th := newTestThread()
	e1 := &QueueEntry{Thread: th}
	e2 := &QueueEntry{Thread: th}

	q.Add(e1)
	q.Add(e2)
	if got := len(q.Entries()); got != 2 {
		t.Fatalf("len(Entries()) = %d, want 2", got)
	}

	q.Remove(e1)
	if got := len(q.Entries()); got != 1 {
		t.Fatalf("after Remove: len(Entries()) = %d, want 1", got)
	}

	// Removing again, or removing an entry never added, must not panic.
	q.Remove(e1)
	q.Remove(&QueueEntry{})
}

func TestUnwind_PartiallyBuiltFrameIsSafe(t *testing.T) {
	th := newTestThread()
	a := &testObject{}
	b := &testObject{}
	f := newWaitFrame(th, []Object{a, b}, 0, TimeoutInfinite, 0)

	// Only entry 0 was ever added.
	_ = a.AddWaiter(&f.Entries[0])
	f.unwind(1)

	if len(a.Entries()) != 0 {
		t.Fatal("a's wait queue should be empty after unwind")
	}
	if th.wait != nil {
		t.Fatal("thread wait stack should be cleared after unwinding its head frame")
	}
}
