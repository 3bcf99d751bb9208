// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

// APCType is the tagged-union discriminant for an APC's call arguments and
// result.
type APCType int

const (
	APCNone APCType = iota
	APCUser
	APCTimer
	APCAsyncIO
	APCVirtualAlloc
	APCVirtualFree
	APCVirtualQuery
	APCVirtualProtect
	APCMapView
	APCUnmapView
	APCCreateThread
	APCBreakpointSet
	APCBreakpointClear
)

// routesToUserQueue reports whether this APC type goes to the user queue
// (NONE, USER, TIMER) rather than the system queue (everything else).
func (t APCType) routesToUserQueue() bool {
	return t == APCNone || t == APCUser || t == APCTimer
}

// APCArgs is the tagged-union call-argument payload. Only the fields
// relevant to APCType are populated; this mirrors the original's C union
// without this package needing to know the concrete object-kind types
// (e.g. a section handle for APCMapView) -- those are opaque Args.
type APCArgs struct {
	Type APCType
	// User carries the user-mode callback pointer + up to three argument
	// words for APCUser, matching the original's user-APC call shape.
	User [4]uint64
	// MapViewHandle carries the section handle an APC_MAP_VIEW rewrites
	// when the APC is delivered across processes. It is an opaque value
	// (the handle-table/object-allocator layer interprets it); this
	// package only needs to read and rewrite it.
	MapViewHandle uint64
	// Raw is a generic escape hatch for APC types this core does not
	// interpret structurally (VIRTUAL_*, breakpoints, create-thread),
	// since their payload layout belongs to collaborators outside scope.
	Raw any
}

// APCResult is the tagged-union result payload, keyed on the originating
// APCType, set once the APC has executed.
type APCResult struct {
	Status int32
	Raw    any
}

// APC is a waitable object in its own right: it is signaled once it has
// executed, so a caller may wait on an APC handle to learn when its
// remote execution finished.
type APC struct {
	Owner  any    // owning object identity, used only for cancellation matching
	Caller *Thread // set when posted across processes

	Args APCArgs

	executed bool
	Result   APCResult

	waiters  WaitQueue
	refcount int
}

var _ Object = (*APC)(nil)

// NewAPC constructs an APC ready to be queued.
func NewAPC(owner any, caller *Thread, args APCArgs) *APC {
	return &APC{Owner: owner, Caller: caller, Args: args}
}

// IsSignaled implements Object: signaled iff executed.
func (a *APC) IsSignaled(*Thread) bool { return a.executed }

// Satisfied implements Object: an APC has no acquisition side effect.
func (a *APC) Satisfied(*Thread) bool { return false }

// AddWaiter implements Object.
func (a *APC) AddWaiter(entry *QueueEntry) error {
	a.waiters.Add(entry)
	return nil
}

// RemoveWaiter implements Object.
func (a *APC) RemoveWaiter(entry *QueueEntry) { a.waiters.Remove(entry) }

// WaitQueueEntries implements [QueueWalker], so Server.WakeQueue can walk an
// APC's own waiters the same way it walks any other object's.
func (a *APC) WaitQueueEntries() []*QueueEntry { return a.waiters.Entries() }

// MapAccessMask implements Object: an APC needs no kind-specific mapping.
func (a *APC) MapAccessMask(mask AccessMask) AccessMask { return mask }

// Destroy implements Object.
func (a *APC) Destroy() {}

// markExecuted sets executed and result, then wakes every thread waiting
// on this APC. wake is the Server's wake-thread entry point.
func (a *APC) markExecuted(result APCResult, wake func(*Thread)) {
	if a.executed {
		return
	}
	a.executed = true
	a.Result = result
	for _, e := range a.waiters.Entries() {
		if wake != nil {
			wake(e.Thread)
		}
	}
}

// apcQueue is one of a thread's two APC lists (system or user): an
// owner-goroutine-only FIFO, simplified to a plain slice since APC queues
// are per-thread and far lower volume than a shared work queue.
type apcQueue struct {
	owner *Thread
	items []*APC
}

func newAPCQueue(owner *Thread) *apcQueue { return &apcQueue{owner: owner} }

func (q *apcQueue) len() int { return len(q.items) }

func (q *apcQueue) push(a *APC) {
	q.items = append(q.items, a)
}

// popHead removes and returns the head APC, or nil if empty.
func (q *apcQueue) popHead() *APC {
	if len(q.items) == 0 {
		return nil
	}
	a := q.items[0]
	q.items = q.items[1:]
	return a
}

// cancelByOwnerAndType applies the posting-time cancellation rule: any
// APC already on this queue with the same owner and same type is first
// cancelled (marked executed with an empty result, its own waiters woken,
// then dropped from the queue).
func (q *apcQueue) cancelByOwnerAndType(owner any, apcType APCType, wake func(*Thread)) int {
	if owner == nil {
		return 0
	}
	cancelled := 0
	kept := q.items[:0]
	for _, a := range q.items {
		if a.Owner == owner && a.Args.Type == apcType {
			a.markExecuted(APCResult{}, wake)
			cancelled++
			continue
		}
		kept = append(kept, a)
	}
	q.items = kept
	return cancelled
}

// drain marks every queued APC executed and wakes its waiters before
// release; used by thread cleanup.
func (q *apcQueue) drain(wake func(*Thread)) {
	for _, a := range q.items {
		a.markExecuted(APCResult{}, wake)
	}
	q.items = nil
}

// targetQueue returns the system or user queue this APC's type routes to.
func (t *Thread) targetQueue(apcType APCType) *apcQueue {
	if apcType.routesToUserQueue() {
		return t.apcUser
	}
	return t.apcSystem
}

// QueueAPC posts an APC to an already-resolved target thread (candidate
// selection across a process's threads is the Server's responsibility;
// see Server.QueueAPC). wake is invoked if this APC became the head of
// its queue, and isAPCReceptive controls whether an OS-level wake signal
// is also needed, for the case where the system queue was empty and the
// thread is not currently receptive to APCs.
//
// explicit records whether the caller named this thread directly rather
// than having it resolved from its process; cancellation of a prior
// same-owner-same-type APC applies only to an explicit post. An APC
// auto-routed to a candidate thread must never cancel an unrelated APC
// that happens to be queued there. cancelled reports how many prior APCs
// this post cancelled.
func (t *Thread) QueueAPC(a *APC, wake func(*Thread), isAPCReceptive, explicit bool) (cancelled int, err error) {
	if t.state == ThreadTerminated {
		return 0, newError("QueueAPC", KindTerminating, nil)
	}
	q := t.targetQueue(a.Args.Type)

	if !a.Args.Type.routesToUserQueue() {
		if q.len() == 0 && !isAPCReceptive {
			if t.wakeSignal == nil {
				return 0, newError("QueueAPC", KindFatalProtocol, nil)
			}
			if err := t.wakeSignal.Wake(t); err != nil {
				return 0, newError("QueueAPC", KindFatalProtocol, err)
			}
		}
	}

	if explicit {
		cancelled = q.cancelByOwnerAndType(a.Owner, a.Args.Type, wake)
	}

	becameHead := q.len() == 0
	q.push(a)
	if becameHead && wake != nil {
		wake(t)
	}
	return cancelled, nil
}

// DequeueAPC is called when a thread is about to return from a wait with
// USER_APC status. systemOnly
// restricts the dequeue to the system queue (used for non-alertable
// interruptible waits). APC_NONE entries are consumed silently and the
// loop continues until a real APC is found or both queues are empty.
func (t *Thread) DequeueAPC(systemOnly bool) *APC {
	for {
		a := t.apcSystem.popHead()
		if a == nil && !systemOnly {
			a = t.apcUser.popHead()
		}
		if a == nil {
			return nil
		}
		if a.Args.Type == APCNone {
			a.markExecuted(APCResult{}, nil)
			continue
		}
		return a
	}
}
