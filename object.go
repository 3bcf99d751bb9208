// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

// Object is the capability set every waitable object exposes. The wait
// engine never switches on object kind: mutex, event, semaphore, file,
// process, debug port, and APC are all concrete object kinds living
// entirely outside this package; they interact with the core only by
// satisfying this interface.
//
// This is a narrow behavioral interface rather than a closed sum type, so
// new object kinds need no change to this package.
type Object interface {
	// IsSignaled is a pure query: does this object currently satisfy a
	// wait for thread t? It must not mutate object or thread state.
	IsSignaled(t *Thread) bool

	// Satisfied is a mutator invoked exactly once, when a wait acquires
	// this object (mutex ownership transfer, event auto-reset, and so
	// on). Returning true reports an *abandoned* acquisition (e.g. a
	// mutex whose previous owner died without releasing it), which
	// upgrades the wait's reported status to ABANDONED+index.
	Satisfied(t *Thread) bool

	// AddWaiter registers entry in this object's wait queue and must
	// acquire a strong reference to the object on the caller's behalf;
	// the reference is released by the matching RemoveWaiter. Returning
	// an error aborts the in-progress select.
	AddWaiter(entry *QueueEntry) error

	// RemoveWaiter unregisters entry from this object's wait queue and
	// releases the strong reference AddWaiter acquired. It must be safe
	// to call even if entry was never successfully added (partially
	// built wait frames are unwound by removing every entry added so
	// far).
	RemoveWaiter(entry *QueueEntry)

	// MapAccessMask translates a generic access mask (GENERIC_READ, and
	// so on) into the object-kind-specific rights mask. Objects that need
	// no kind-specific mapping may return mask unchanged.
	MapAccessMask(mask AccessMask) AccessMask

	// Destroy releases any resources the object holds. It is invoked by
	// the allocator this package does not own; it exists on the
	// interface because wake-queue draining (kill-thread abandoning
	// held mutexes, APC clearing) may need to trigger it transitively.
	Destroy()
}

// AccessMask is the generic/object-specific rights bitmask.
type AccessMask uint32

// Generic and standard rights bits referenced by the access-rights mapping.
// Object-kind-specific bits (e.g. THREAD_ALL_ACCESS) live with their
// object kind; only the generic/standard bits that this core's handle
// resolution step inspects are declared here.
const (
	AccessSynchronize AccessMask = 1 << 20

	accessStandardRead    AccessMask = 0x00020000
	accessStandardWrite   AccessMask = 0x00020000
	accessStandardExecute AccessMask = 0x00020000

	AccessGenericRead    AccessMask = 1 << 31
	AccessGenericWrite   AccessMask = 1 << 30
	AccessGenericExecute AccessMask = 1 << 29
	AccessGenericAll     AccessMask = 1 << 28

	// AccessThreadAllAccess stands in for THREAD_ALL_ACCESS, the only
	// object-kind-specific mask this core needs a name for (it is the
	// target of GENERIC_ALL when mapping a thread handle).
	AccessThreadAllAccess AccessMask = 0x1FFFFF
)

// MapGenericAccess applies the generic-rights mapping, shared by
// every handle resolution that accepts generic rights. It does not touch
// any bits outside the GENERIC_* range, so it composes with an object's own
// MapAccessMask (call this first, then the object's mapping, or vice
// versa -- the two touch disjoint bit ranges).
func MapGenericAccess(mask AccessMask) AccessMask {
	out := mask &^ (AccessGenericRead | AccessGenericWrite | AccessGenericExecute | AccessGenericAll)
	if mask&AccessGenericRead != 0 {
		out |= accessStandardRead | AccessSynchronize
	}
	if mask&AccessGenericWrite != 0 {
		out |= accessStandardWrite | AccessSynchronize
	}
	if mask&AccessGenericExecute != 0 {
		out |= accessStandardExecute
	}
	if mask&AccessGenericAll != 0 {
		out |= AccessThreadAllAccess
	}
	return out
}

// NeverSignaled and NoWaitQueue are default "never-succeeds" capability
// implementations, so that non-signalable or non-waitable objects can
// safely publish the capability without every object kind reimplementing
// trivial stubs. An object kind embeds whichever of these it needs
// alongside its own real behavior.
type (
	// NeverSignaled implements IsSignaled/Satisfied for an object that
	// can never resolve a wait (e.g. a plain data object accessed only
	// through non-waiting operations).
	NeverSignaled struct{}

	// NoWaitQueue implements AddWaiter/RemoveWaiter for an object that
	// does not support waiting at all; AddWaiter always fails so that
	// select's handle-resolution step reports the failure cleanly
	// rather than silently never waking.
	NoWaitQueue struct{}
)

// IsSignaled implements the NeverSignaled default: always false.
func (NeverSignaled) IsSignaled(*Thread) bool { return false }

// Satisfied implements the NeverSignaled default: never invoked in
// practice (IsSignaled never returns true), but returns false defensively.
func (NeverSignaled) Satisfied(*Thread) bool { return false }

// AddWaiter implements the NoWaitQueue default.
func (NoWaitQueue) AddWaiter(*QueueEntry) error {
	return newError("AddWaiter", KindInvalidArgument, nil)
}

// RemoveWaiter implements the NoWaitQueue default: a no-op, since AddWaiter
// never succeeded.
func (NoWaitQueue) RemoveWaiter(*QueueEntry) {}
