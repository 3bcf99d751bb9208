// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import "sync/atomic"

// Metrics tracks low-overhead runtime counters for the wait engine, APC
// queue, and thread lifecycle, using plain atomic counters: this core's
// operations all run on a single cooperative goroutine, so RWMutex-guarded
// percentile tracking would be more machinery than this package needs.
// Reads from other goroutines (e.g. an operator dashboard) are still
// safe: every field is an atomic.
//
// All metrics are optional; a Server only updates them when constructed
// with [WithMetrics].
type Metrics struct {
	WaitsStarted    atomic.Int64
	WaitsSatisfied  atomic.Int64
	WaitsTimedOut   atomic.Int64
	WaitsAbandoned  atomic.Int64
	APCsPosted      atomic.Int64
	APCsExecuted    atomic.Int64
	APCsCancelled   atomic.Int64
	ThreadsCreated  atomic.Int64
	ThreadsKilled   atomic.Int64
	FatalProtocols  atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics' counters, safe to read and
// print without racing further updates.
type Snapshot struct {
	WaitsStarted   int64
	WaitsSatisfied int64
	WaitsTimedOut  int64
	WaitsAbandoned int64
	APCsPosted     int64
	APCsExecuted   int64
	APCsCancelled  int64
	ThreadsCreated int64
	ThreadsKilled  int64
	FatalProtocols int64
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		WaitsStarted:   m.WaitsStarted.Load(),
		WaitsSatisfied: m.WaitsSatisfied.Load(),
		WaitsTimedOut:  m.WaitsTimedOut.Load(),
		WaitsAbandoned: m.WaitsAbandoned.Load(),
		APCsPosted:     m.APCsPosted.Load(),
		APCsExecuted:   m.APCsExecuted.Load(),
		APCsCancelled:  m.APCsCancelled.Load(),
		ThreadsCreated: m.ThreadsCreated.Load(),
		ThreadsKilled:  m.ThreadsKilled.Load(),
		FatalProtocols: m.FatalProtocols.Load(),
	}
}
