// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import "testing"

func TestAPCType_RoutesToUserQueue(t *testing.T) {
	cases := []struct {
		typ  APCType
		user bool
	}{
		{APCNone, true},
		{APCUser, true},
		{APCTimer, true},
		{APCAsyncIO, false},
		{APCVirtualAlloc, false},
		{APCMapView, false},
	}
	for _, c := range cases {
		if got := c.typ.routesToUserQueue(); got != c.user {
			t.Errorf("routesToUserQueue(%v) = %v, want %v", c.typ, got, c.user)
		}
	}
}

func TestAPC_MarkExecutedWakesWaitersOnce(t *testing.T) {
	th := newTestThread()
	a := NewAPC(nil, nil, APCArgs{Type: APCAsyncIO})

	entry := &QueueEntry{Thread: th}
	if err := a.AddWaiter(entry); err != nil {
		t.Fatalf("AddWaiter: %v", err)
	}
	if a.IsSignaled(th) {
		t.Fatal("unexecuted APC must not be signaled")
	}

	var woken []*Thread
	wake := func(t *Thread) { woken = append(woken, t) }

	a.markExecuted(APCResult{Status: 7}, wake)
	if !a.IsSignaled(th) {
		t.Fatal("executed APC must be signaled")
	}
	if len(woken) != 1 || woken[0] != th {
		t.Fatalf("woken = %v, want [th]", woken)
	}

	// A second markExecuted call must be a silent no-op, not a double wake.
	a.markExecuted(APCResult{Status: 99}, wake)
	if len(woken) != 1 {
		t.Fatalf("second markExecuted woke again: %v", woken)
	}
	if a.Result.Status != 7 {
		t.Fatalf("Result = %+v, want the first execution's result preserved", a.Result)
	}
}

func TestAPCQueue_PushPopFIFO(t *testing.T) {
	th := newTestThread()
	q := newAPCQueue(th)
	a1 := NewAPC(nil, nil, APCArgs{Type: APCUser})
	a2 := NewAPC(nil, nil, APCArgs{Type: APCUser})

	q.push(a1)
	q.push(a2)
	if got := q.popHead(); got != a1 {
		t.Fatal("popHead did not return FIFO order")
	}
	if got := q.popHead(); got != a2 {
		t.Fatal("popHead did not return second item")
	}
	if got := q.popHead(); got != nil {
		t.Fatal("popHead on empty queue must return nil")
	}
}

func TestAPCQueue_CancelByOwnerAndType(t *testing.T) {
	th := newTestThread()
	q := newAPCQueue(th)
	owner := "mutex-handle-1"

	cancelled := NewAPC(owner, nil, APCArgs{Type: APCVirtualFree})
	keep := NewAPC("other-owner", nil, APCArgs{Type: APCVirtualFree})
	// One thread waits on the APC that will be cancelled; cancellation must
	// wake it.
	if err := cancelled.AddWaiter(&QueueEntry{Thread: th}); err != nil {
		t.Fatalf("AddWaiter: %v", err)
	}
	q.push(cancelled)
	q.push(keep)

	woken := 0
	q.cancelByOwnerAndType(owner, APCVirtualFree, func(*Thread) { woken++ })

	if !cancelled.executed {
		t.Fatal("same-owner-same-type APC must be cancelled (marked executed)")
	}
	if keep.executed {
		t.Fatal("different-owner APC must not be cancelled")
	}
	if q.len() != 1 {
		t.Fatalf("queue len = %d, want 1 (only keep remains)", q.len())
	}
	if woken != 1 {
		t.Fatalf("woken = %d, want 1", woken)
	}
}

func TestThread_QueueAPCAndDequeue_SilentlyConsumesNone(t *testing.T) {
	th := newTestThread()

	none := NewAPC(nil, nil, APCArgs{Type: APCNone})
	real := NewAPC(nil, nil, APCArgs{Type: APCUser})
	if _, err := th.QueueAPC(none, nil, true, true); err != nil {
		t.Fatalf("QueueAPC(none): %v", err)
	}
	if _, err := th.QueueAPC(real, nil, true, true); err != nil {
		t.Fatalf("QueueAPC(real): %v", err)
	}

	got := th.DequeueAPC(false)
	if got != real {
		t.Fatalf("DequeueAPC returned %v, want the real APC (APC_NONE consumed silently)", got)
	}
	if !none.executed {
		t.Fatal("consumed APC_NONE entry should be marked executed")
	}
}

func TestThread_QueueAPCOnTerminatedThreadFails(t *testing.T) {
	th := newTestThread()
	th.state = ThreadTerminated

	a := NewAPC(nil, nil, APCArgs{Type: APCUser})
	_, err := th.QueueAPC(a, nil, true, true)
	if err == nil {
		t.Fatal("expected error posting to a terminated thread")
	}
}

func TestAPCQueue_DrainExecutesAndEmpties(t *testing.T) {
	th := newTestThread()
	q := newAPCQueue(th)
	a := NewAPC(nil, nil, APCArgs{Type: APCUser})
	q.push(a)

	q.drain(nil)
	if !a.executed {
		t.Fatal("drained APC must be marked executed")
	}
	if q.len() != 0 {
		t.Fatal("drained queue must be empty")
	}
}
