// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import "time"

// SuspendThread increments the thread's own suspend count, failing once
// it reaches MaxSuspendCount. It returns the prior suspend count.
func (t *Thread) SuspendThread() (prior int, err error) {
	if t.state == ThreadTerminated {
		return 0, newError("SuspendThread", KindAccessDenied, nil)
	}
	if t.Suspend >= MaxSuspendCount {
		return t.Suspend, newError("SuspendThread", KindResourceExhaustion, nil)
	}
	prior = t.Suspend
	before := t.Suspend + t.Process.Suspend
	t.Suspend++
	after := t.Suspend + t.Process.Suspend
	if before == 0 && after > 0 && !t.inDebugEvent && t.wakeSignal != nil {
		_ = t.wakeSignal.Stop(t)
	}
	return prior, nil
}

// ResumeThread decrements the thread's own suspend count. It returns the
// prior suspend count. wake is invoked (re-evaluating waits and APC
// delivery) exactly when the suspend sum transitions from positive to
// zero; callers pass the Server's wake-thread entry point.
func (t *Thread) ResumeThread(wake func(*Thread)) (prior int, err error) {
	if t.state == ThreadTerminated {
		return 0, newError("ResumeThread", KindAccessDenied, nil)
	}
	prior = t.Suspend
	if t.Suspend == 0 {
		return prior, nil
	}
	before := t.Suspend + t.Process.Suspend
	t.Suspend--
	after := t.Suspend + t.Process.Suspend
	if before > 0 && after == 0 && wake != nil {
		wake(t)
	}
	return prior, nil
}

// KillThread tears down t unconditionally and idempotently. unwindWait
// ends any active wait and delivers the exit-code wakeup status;
// wakeQueue wakes the thread's own object wait-queue (so WaitFor(thread)
// unblocks); both are supplied by the Server, which owns the wait
// engine's entry points.
//
// violent requests OS-level terminate-signal delivery, but only if the
// thread was not already blocked in the server.
//
// debugExit, if non-nil, emits the thread-exit debug event; it runs after
// the console/desktop detach hooks and before mutex abandonment, matching
// the teardown order debuggers depend on.
func (t *Thread) KillThread(exitCode uint32, violent bool, now time.Time, unwindWait func(*Thread, StatusCode), wakeQueue func(*Thread, int), debugExit func(*Thread, uint32)) (alreadyDead bool) {
	if t.state == ThreadTerminated {
		return true
	}
	wasWaiting := t.wait != nil
	t.state = ThreadTerminated
	t.ExitCode = exitCode
	t.Exited = now

	if wasWaiting && unwindWait != nil {
		unwindWait(t, StatusCode(exitCode))
	}

	for _, d := range t.Detachers {
		d()
	}

	if debugExit != nil {
		debugExit(t, exitCode)
	}

	for _, m := range t.Mutexes {
		m.Abandon(t)
	}
	t.Mutexes = nil

	if wakeQueue != nil {
		wakeQueue(t, 0)
	}

	if violent && !wasWaiting && t.wakeSignal != nil {
		_ = t.wakeSignal.Terminate(t)
	}

	t.cleanup()
	return false
}

// cleanup releases resources shared between termination and destruction:
// drain both APC queues, free request/reply buffers, release channels,
// free suspend context, release desktop/clipboard participation, destroy
// owned GUI windows, free the message queue, close in-flight fd cache
// entries. This package owns only the APC/context portion directly; the
// rest is modeled by t.Detachers, already run above.
func (t *Thread) cleanup() {
	if t.apcSystem != nil {
		t.apcSystem.drain(t.wakeHook)
	}
	if t.apcUser != nil {
		t.apcUser.drain(t.wakeHook)
	}
	t.drainInflightFDs()
	t.Context = nil
	t.SuspendContext = nil
}

// LastInProcess reports whether t was the last non-terminated thread in
// its owning process, for the terminate-thread reply's last-in-process
// flag. Call after state has already transitioned to TERMINATED.
func (t *Thread) LastInProcess() bool {
	for _, other := range t.Process.threads {
		if other != t && other.state != ThreadTerminated {
			return false
		}
	}
	return true
}

// Destroy tears down t's table bookkeeping, invoked once t's refcount
// reaches zero. cleanup is idempotent with KillThread, so calling Destroy
// on an already-cleaned-up thread is safe.
func (tt *ThreadTable) Destroy(t *Thread) {
	t.cleanup()
	for i, cand := range tt.order {
		if cand == t {
			tt.order = append(tt.order[:i], tt.order[i+1:]...)
			break
		}
	}
	tt.removePID(t)
	tt.freeID(t.ID)
	if t.Token != nil {
		t.Token.Release()
		t.Token = nil
	}
	t.Process = nil
}

// Retain increments t's refcount (e.g. when a handle to t is duplicated).
func (t *Thread) Retain() { t.retain() }

// Release decrements t's refcount and, if it reaches zero, destroys t via
// table. Returns true if the thread was destroyed.
func (t *Thread) Release(table *ThreadTable) bool {
	t.release()
	if t.refcount <= 0 {
		table.Destroy(t)
		return true
	}
	return false
}
