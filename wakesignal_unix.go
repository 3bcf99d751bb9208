// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build unix

package longene

import (
	"sync"

	"golang.org/x/sys/unix"
)

// UnixWakeSignal is a [WakeSignal] backed by real OS primitives: an
// eventfd per thread for re-entry wakeups, and POSIX signals (SIGSTOP and
// SIGKILL delivered via the client OS tid) for actually stopping or
// terminating the guest thread at the OS level. It sends no SIGCONT; it has
// no resume operation.
type UnixWakeSignal struct {
	mu   sync.Mutex
	fds  map[ThreadID]int
}

// NewUnixWakeSignal constructs a UnixWakeSignal.
func NewUnixWakeSignal() *UnixWakeSignal {
	return &UnixWakeSignal{fds: make(map[ThreadID]int)}
}

// RegisterEventFD associates an eventfd with a thread, for tests or a
// caller's own poller integration; production callers create one eventfd
// per thread at init-thread time and register it here.
func (w *UnixWakeSignal) RegisterEventFD(t *Thread, fd int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fds[t.ID] = fd
}

// Unregister removes and closes the eventfd associated with t, called
// during thread cleanup.
func (w *UnixWakeSignal) Unregister(t *Thread) {
	w.mu.Lock()
	fd, ok := w.fds[t.ID]
	delete(w.fds, t.ID)
	w.mu.Unlock()
	if ok {
		_ = unix.Close(fd)
	}
}

// Wake implements WakeSignal by writing to the thread's eventfd: a
// single 8-byte write is enough to make any epoll/kqueue wait on that fd
// return immediately.
func (w *UnixWakeSignal) Wake(t *Thread) error {
	w.mu.Lock()
	fd, ok := w.fds[t.ID]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}

// Stop implements WakeSignal by sending SIGSTOP to the thread's OS tid.
func (w *UnixWakeSignal) Stop(t *Thread) error {
	if t.TID == 0 {
		return nil
	}
	return unix.Tgkill(int(t.PID), int(t.TID), unix.SIGSTOP)
}

// Terminate implements WakeSignal by sending SIGKILL to the thread's OS
// tid.
func (w *UnixWakeSignal) Terminate(t *Thread) error {
	if t.TID == 0 {
		return nil
	}
	return unix.Tgkill(int(t.PID), int(t.TID), unix.SIGKILL)
}
