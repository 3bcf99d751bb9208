// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package longene implements the core of a user-space emulator server's
// thread subsystem: a single-process, cooperative multiplexer that manages
// thread objects on behalf of many guest threads running in separate client
// processes.
//
// The package is deliberately narrow. It owns the thread lifecycle, the
// multi-object wait/wake engine, and the asynchronous-procedure-call (APC)
// delivery state machine, because those three interlock and cannot be
// decomposed independently: a wait decision inspects signal state across
// heterogeneous waitable objects, honors ordering and "satisfied" side
// effects, interleaves with APC delivery and suspension, and must stay
// consistent under concurrent signals from timers and other threads.
//
// Everything else a real server needs -- request/reply transport, the
// handle table and object allocator, concrete object kinds (mutex, event,
// semaphore, file, process, debug port), security tokens, CPU register
// context layout, and the debug event wire format -- is an external
// collaborator. This package consumes those collaborators only through the
// [Object] capability set and a handful of narrow interfaces ([Clock],
// [WakeSignal]); it never switches on object kind.
//
// The server itself is single-threaded and cooperative: every exported
// method on [Server] is expected to run to completion on the event-loop
// goroutine between I/O poll returns. There is no preemption and no
// internal locking of thread-owned state; callers that introduce
// background goroutines (for example, to deliver OS-level signals) must
// still funnel their effects back through the single loop goroutine rather
// than mutating Server state directly.
package longene
