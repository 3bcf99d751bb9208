// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import "testing"

func TestTimerService_FiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock()
	ts := NewTimerService(clock)

	var order []string
	ts.Schedule(30, func() { order = append(order, "c") })
	ts.Schedule(10, func() { order = append(order, "a") })
	ts.Schedule(20, func() { order = append(order, "b") })

	clock.Set(25)
	ts.RunDue()

	if got := len(order); got != 2 {
		t.Fatalf("RunDue fired %d callbacks, want 2", got)
	}
	if order[0] != "a" || order[1] != "b" {
		t.Fatalf("fired out of deadline order: %v", order)
	}

	clock.Set(100)
	ts.RunDue()
	if got := len(order); got != 3 || order[2] != "c" {
		t.Fatalf("final RunDue = %v, want [a b c]", order)
	}
}

func TestTimerService_CancelIsIdempotent(t *testing.T) {
	clock := NewFakeClock()
	ts := NewTimerService(clock)

	fired := false
	h := ts.Schedule(10, func() { fired = true })
	ts.Cancel(h)
	ts.Cancel(h) // idempotent, must not panic

	clock.Set(20)
	ts.RunDue()
	if fired {
		t.Fatal("cancelled timer fired")
	}

	// Cancelling an unknown handle is also a silent no-op.
	ts.Cancel(TimerHandle(9999))
}

func TestTimerService_NextDeadline(t *testing.T) {
	clock := NewFakeClock()
	ts := NewTimerService(clock)

	if _, ok := ts.NextDeadline(); ok {
		t.Fatal("NextDeadline on empty service reported a deadline")
	}

	ts.Schedule(50, func() {})
	ts.Schedule(5, func() {})

	d, ok := ts.NextDeadline()
	if !ok || d != 5 {
		t.Fatalf("NextDeadline() = (%d, %v), want (5, true)", d, ok)
	}
}
