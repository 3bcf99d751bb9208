// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

// WakeSignal is the abstract mechanism that actually stops a thread at
// the OS level (suspend-thread), forces a thread blocked outside the
// server to re-enter it (queue-apc on an empty system queue), or
// terminates it (violent kill-thread). Concrete object kinds and the
// real OS-process layer are out of scope; this package depends only on
// this narrow interface rather than on any specific OS wakeup primitive.
type WakeSignal interface {
	// Wake forces t to re-enter the server so it observes a newly-queued
	// system APC. Returning an error fails the originating post.
	Wake(t *Thread) error
	// Stop actually suspends t at the OS level.
	Stop(t *Thread) error
	// Terminate delivers an OS-level terminate signal to t.
	Terminate(t *Thread) error
}

// NoopWakeSignal is a [WakeSignal] that performs no OS-level action and
// never fails. It is the right choice for tests of the thread/wait/APC
// state machine that do not exercise real OS signal delivery, and the
// default when [WithWakeSignal] is not supplied.
type NoopWakeSignal struct{}

// Wake implements WakeSignal.
func (NoopWakeSignal) Wake(*Thread) error { return nil }

// Stop implements WakeSignal.
func (NoopWakeSignal) Stop(*Thread) error { return nil }

// Terminate implements WakeSignal.
func (NoopWakeSignal) Terminate(*Thread) error { return nil }

// RecordingWakeSignal is a [WakeSignal] that records every call it
// receives, for use in tests asserting that a wake/stop/terminate signal
// was (or was not) delivered.
type RecordingWakeSignal struct {
	Woken      []ThreadID
	Stopped    []ThreadID
	Terminated []ThreadID
	// FailWake, when non-nil, is returned by Wake instead of succeeding;
	// used to exercise the rule that a failure to signal fails the post.
	FailWake error
}

// Wake implements WakeSignal.
func (r *RecordingWakeSignal) Wake(t *Thread) error {
	if r.FailWake != nil {
		return r.FailWake
	}
	r.Woken = append(r.Woken, t.ID)
	return nil
}

// Stop implements WakeSignal.
func (r *RecordingWakeSignal) Stop(t *Thread) error {
	r.Stopped = append(r.Stopped, t.ID)
	return nil
}

// Terminate implements WakeSignal.
func (r *RecordingWakeSignal) Terminate(t *Thread) error {
	r.Terminated = append(r.Terminated, t.ID)
	return nil
}
