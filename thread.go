// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import (
	"time"
)

// ThreadID is the server-assigned 32-bit process-unique token allocated
// from a reusable id table.
type ThreadID uint32

// ThreadState is a thread's lifecycle state: exactly two
// values, RUNNING and TERMINATED (there is no intermediate "exiting" state
// in this design -- kill-thread is atomic with respect to the id table and
// wait engine).
type ThreadState int32

const (
	// ThreadRunning is a thread's state from creation until kill-thread.
	ThreadRunning ThreadState = iota
	// ThreadTerminated is terminal: no new APCs, no new waits observe
	// this thread as a signaled-index.
	ThreadTerminated
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	if s == ThreadTerminated {
		return "TERMINATED"
	}
	return "RUNNING"
}

// MaxSuspendCount is MAX_SUSPEND, the hard cap on a thread's suspend count.
const MaxSuspendCount = 127

// CPUType identifies a guest CPU architecture. It must be supported by
// both the server build and the process's already-established CPU mode.
type CPUType uint32

// Guest CPU architectures the server knows how to name. The set a given
// server instance actually supports is a [CPUMask] supplied via
// [WithSupportedCPUs] and echoed back in the init-thread reply.
const (
	CPUx86 CPUType = iota
	CPUx8664
	CPUARM
	CPUARM64
)

// CPUMask is a bitmask over [CPUType] values: bit n set means CPUType(n)
// is supported.
type CPUMask uint32

// CPUFlag returns the mask bit for a single CPU type.
func CPUFlag(c CPUType) CPUMask { return 1 << c }

// Supports reports whether c's bit is set in the mask.
func (m CPUMask) Supports(c CPUType) bool { return m&CPUFlag(c) != 0 }

// PriorityClass groups the valid priority range a thread's priority is
// validated against.
type PriorityClass int

const (
	PriorityClassNormal PriorityClass = iota
	PriorityClassRealtime
)

// Priority range constants, bounding valid priority values per class.
const (
	ThreadPriorityLowest      = -2
	ThreadPriorityHighest     = 2
	ThreadPriorityIdle        = -15
	ThreadPriorityTimeCritical = 15
	realtimePriorityLowest    = -7
	realtimePriorityHighest   = 6
)

// ValidatePriority applies the priority validation rule above.
func ValidatePriority(class PriorityClass, priority int) bool {
	if priority == ThreadPriorityIdle || priority == ThreadPriorityTimeCritical {
		return true
	}
	if class == PriorityClassRealtime {
		return priority >= realtimePriorityLowest && priority <= realtimePriorityHighest
	}
	return priority >= ThreadPriorityLowest && priority <= ThreadPriorityHighest
}

// Process is the minimal owning-process surface the thread lifecycle
// depends on. The full process object (handle table entry, security
// token, full allocator) is out of scope; this struct holds only the
// process-level fields the thread lifecycle actually touches: its own
// suspend count, priority class, established CPU mode/affinity/entry
// point, and its thread list.
type Process struct {
	PID           uint32
	PriorityClass PriorityClass
	Affinity      uint64
	Desktop       string

	Suspend int // process.suspend, composes additively with thread.suspend

	terminating bool

	cpuEstablished bool
	CPU            CPUType
	EntryPoint     uint64

	// LDT exposes the process's local-descriptor-table copy for
	// get-selector-entry. Nil means the process published none.
	LDT SelectorTable

	threads []*Thread // process-wide membership list, creation order
}

// IsTerminating reports whether the process is tearing down, checked by
// create-thread before allocating a new thread in it.
func (p *Process) IsTerminating() bool { return p.terminating }

// establishCPUMode records cpu/entryPoint/affinity the first time it is
// called for a process. "First" means the call that actually establishes
// the mode -- whichever thread's handshake arrives first, not whichever
// record was created first. first reports that this call established it;
// ok reports cpu is compatible with the established mode.
func (p *Process) establishCPUMode(cpu CPUType, entryPoint uint64, affinity uint64) (first, ok bool) {
	if !p.cpuEstablished {
		p.cpuEstablished = true
		p.CPU = cpu
		p.EntryPoint = entryPoint
		p.Affinity = affinity
		return true, true
	}
	return false, p.CPU == cpu
}

// CPUContext is an opaque, exclusively-owned snapshot of guest CPU
// registers. Its concrete layout is out of scope; this package only needs
// to know whether one is present, and to release it.
type CPUContext struct {
	// Data holds whatever register blob the collaborator that captured
	// this context chose to store; this package never interprets it.
	Data []byte
	// System marks registers requiring a live OS fetch/write-through
	// (e.g. debug registers) rather than snapshot access -- modeled as a
	// flag rather than split fields since this package does not know the
	// register layout.
	System bool
}

// Thread is the server-side record for one client thread.
//
// Exactly one goroutine -- the owning [Server]'s event loop -- may mutate a
// Thread's fields, with the single exception of APC posts and termination
// originating from another thread's operation, which are themselves
// funneled back through the single event loop goroutine. There is
// deliberately no per-Thread mutex: correctness comes from
// single-goroutine ownership, not locking.
type Thread struct { //nolint:govet
	ID  ThreadID
	TID uint32 // OS thread id, set during init handshake
	PID uint32 // OS process id, set during init handshake

	Process *Process

	state ThreadState

	Suspend  int // 0..MaxSuspendCount
	Priority int
	Affinity uint64

	// inDebugEvent suppresses the OS-level stop signal on suspend: a
	// no-op if the thread is currently inside a debug event.
	inDebugEvent bool

	TEB       uint64
	CPU       CPUType
	EntryPoint uint64
	DebugLevel int
	initialized bool

	ExitCode uint32 // recorded by kill-thread

	// Token is the thread's impersonation token, replacing the process
	// token for the duration of the impersonation. Released at final
	// destruction.
	Token TokenRef

	Context        *CPUContext // current context snapshot, nil if none
	SuspendContext *CPUContext // context captured entering the server on suspend/exception

	apcSystem *apcQueue
	apcUser   *apcQueue

	// Mutexes lists mutex objects currently owned by this thread, so
	// kill-thread can abandon them.
	Mutexes []abandonable

	// wait is the head of the thread's wait stack: a singly-linked list
	// of frames, nested during APC callbacks.
	wait *WaitFrame

	// Detachers runs in order during cleanup, modeling the original's
	// console/desktop/GUI-window/message-queue teardown as opaque hooks,
	// since those subsystems are themselves out of scope.
	Detachers []func()

	Created time.Time
	Exited  time.Time

	// waiters is the wait queue of the thread itself as a waitable
	// object: a thread is signaled once TERMINATED, so WaitFor(thread)
	// unblocks at kill time.
	waiters WaitQueue

	// inflight matches an ancillary-delivered fd to a subsequent
	// request, keyed by the client's fd number. Fixed capacity, no
	// eviction; overflowing entries are closed on arrival.
	inflight [MaxInflightFDs]inflightFD

	// CloseFD closes a server-side fd evicted from or drained out of the
	// inflight cache. Nil is valid for tests that never hand the cache
	// real descriptors.
	CloseFD func(fd int)

	table *ThreadTable // set at creation, for pid-hash maintenance

	// wakeHook is the owning Server's wake-thread entry point, used by
	// cleanup to wake APC waiters during queue clearing. Nil outside a
	// Server (table-only tests).
	wakeHook func(*Thread)

	refcount int

	wakeSignal WakeSignal

	// WaitChannel is where the server writes this thread's wakeups
	// ({cookie, status} records). Nil is valid for tests
	// that never exercise wake delivery.
	WaitChannel WakeChannel
}

// abandonable is implemented by mutex-like objects so kill-thread can
// abandon them without this package depending on a concrete mutex type.
type abandonable interface {
	Object
	Abandon(owner *Thread)
}

// TokenRef is the narrow surface this package needs from an impersonation
// token: a strong reference it can release at thread destruction. The
// token object itself (SIDs, privileges) lives outside this package.
type TokenRef interface {
	Release()
}

// MaxInflightFDs is the fixed capacity of a thread's in-flight fd cache.
const MaxInflightFDs = 16

// inflightFD is one cache slot: the client's fd number and the matching
// server-side descriptor. client == -1 marks a free slot.
type inflightFD struct {
	client, server int
}

func (t *Thread) closeFD(fd int) {
	if t.CloseFD != nil && fd != -1 {
		t.CloseFD(fd)
	}
}

// AddInflightFD stores the (client, server) fd pair, replacing any entry
// already cached under the same client fd (its old server fd is closed).
// A full cache closes server and reports failure with -1; otherwise the
// client fd is returned.
func (t *Thread) AddInflightFD(client, server int) int {
	if server == -1 {
		return -1
	}
	if client == -1 {
		t.closeFD(server)
		return -1
	}
	for i := range t.inflight {
		if t.inflight[i].client == client {
			t.closeFD(t.inflight[i].server)
			t.inflight[i].server = server
			return client
		}
	}
	for i := range t.inflight {
		if t.inflight[i].client == -1 {
			t.inflight[i] = inflightFD{client: client, server: server}
			return client
		}
	}
	t.closeFD(server)
	return -1
}

// GetInflightFD removes and returns the server fd cached under client, or
// -1 if none is cached.
func (t *Thread) GetInflightFD(client int) int {
	if client == -1 {
		return -1
	}
	for i := range t.inflight {
		if t.inflight[i].client == client {
			fd := t.inflight[i].server
			t.inflight[i] = inflightFD{client: -1, server: -1}
			return fd
		}
	}
	return -1
}

// drainInflightFDs closes every cached server fd, part of cleanup.
func (t *Thread) drainInflightFDs() {
	for i := range t.inflight {
		if t.inflight[i].client != -1 {
			t.closeFD(t.inflight[i].server)
			t.inflight[i] = inflightFD{client: -1, server: -1}
		}
	}
}

// State returns the thread's lifecycle state.
func (t *Thread) State() ThreadState { return t.state }

// Suspended reports whether the thread's suspend sum (thread.suspend +
// process.suspend) is positive.
func (t *Thread) Suspended() bool {
	return t.Suspend+t.Process.Suspend > 0
}

// EnterDebugEvent marks the thread as currently delivering a debug event
// to its debugger, suppressing OS-level stop signals on suspend until
// [Thread.LeaveDebugEvent].
func (t *Thread) EnterDebugEvent() { t.inDebugEvent = true }

// LeaveDebugEvent clears the debug-event flag set by EnterDebugEvent.
func (t *Thread) LeaveDebugEvent() { t.inDebugEvent = false }

// A Thread is itself a waitable [Object]: it is signaled once TERMINATED,
// so waiting on a thread handle blocks until that thread exits.
var _ Object = (*Thread)(nil)
var _ QueueWalker = (*Thread)(nil)

// IsSignaled implements Object.
func (t *Thread) IsSignaled(*Thread) bool { return t.state == ThreadTerminated }

// Satisfied implements Object: acquiring a terminated thread has no side
// effect.
func (t *Thread) Satisfied(*Thread) bool { return false }

// AddWaiter implements Object.
func (t *Thread) AddWaiter(entry *QueueEntry) error {
	t.waiters.Add(entry)
	return nil
}

// RemoveWaiter implements Object.
func (t *Thread) RemoveWaiter(entry *QueueEntry) { t.waiters.Remove(entry) }

// WaitQueueEntries implements [QueueWalker], so Server.WakeQueue can wake
// the thread's own waiters at kill time.
func (t *Thread) WaitQueueEntries() []*QueueEntry { return t.waiters.Entries() }

// MapAccessMask implements Object: generic rights map onto thread rights.
func (t *Thread) MapAccessMask(mask AccessMask) AccessMask {
	return MapGenericAccess(mask)
}

// Destroy implements Object. Table bookkeeping teardown lives on
// [ThreadTable.Destroy]; the Object-level hook has nothing extra to
// release.
func (t *Thread) Destroy() {}

// ThreadTable is the server's global thread state: the id table, the
// pid-indexed hash, and the creation-order global list.
type ThreadTable struct {
	byID   map[ThreadID]*Thread
	nextID ThreadID

	// pidBuckets has exactly 256 buckets, keyed by pid mod 256.
	pidBuckets [256][]*Thread

	// order is the global list in creation order: iteration order
	// matches creation order.
	order []*Thread
}

// NewThreadTable constructs an empty ThreadTable.
func NewThreadTable() *ThreadTable {
	return &ThreadTable{byID: make(map[ThreadID]*Thread)}
}

// allocID allocates a fresh, currently-unused ThreadID using a monotonic
// counter that wraps and skips zero, with a linear probe over the id
// table for the rare wraparound collision. Thread lifetime is governed
// by explicit refcounting, not by the Go garbage collector, so this
// table does not need any weak-pointer tracking.
func (tt *ThreadTable) allocID() (ThreadID, bool) {
	for i := 0; i < 1<<32-1; i++ {
		tt.nextID++
		if tt.nextID == 0 {
			tt.nextID = 1
		}
		if _, exists := tt.byID[tt.nextID]; !exists {
			return tt.nextID, true
		}
	}
	return 0, false
}

// freeID removes id from the table, making it eligible for reuse.
func (tt *ThreadTable) freeID(id ThreadID) {
	delete(tt.byID, id)
}

// ByID looks up a thread by its server-assigned id.
func (tt *ThreadTable) ByID(id ThreadID) (*Thread, bool) {
	th, ok := tt.byID[id]
	return th, ok
}

// ByTID finds a thread by OS tid via a linear scan of the global list.
func (tt *ThreadTable) ByTID(tid uint32) (*Thread, bool) {
	for _, th := range tt.order {
		if th.state != ThreadTerminated && th.TID == tid {
			return th, true
		}
	}
	return nil, false
}

// ByPID finds a thread by OS pid via the pid-mod-256 hash bucket. Bucket
// iteration stops at the first match.
func (tt *ThreadTable) ByPID(pid uint32) (*Thread, bool) {
	bucket := tt.pidBuckets[pid%256]
	for _, th := range bucket {
		if th.PID == pid {
			return th, true
		}
	}
	return nil, false
}

func (tt *ThreadTable) insertPID(th *Thread) {
	b := th.PID % 256
	tt.pidBuckets[b] = append(tt.pidBuckets[b], th)
}

// removePID unlinks th from its pid bucket, keyed by th's own stored PID
// rather than any caller-supplied current pid, since the bucket was
// built from that stored value.
func (tt *ThreadTable) removePID(th *Thread) {
	b := th.PID % 256
	bucket := tt.pidBuckets[b]
	for i, cand := range bucket {
		if cand == th {
			tt.pidBuckets[b] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// ThreadSnapshotEntry is one row of a [ThreadTable.Snapshot] result.
type ThreadSnapshotEntry struct {
	Thread   *Thread
	Refcount int
	Priority int
}

// Snapshot returns a fresh vector of (thread, refcount, priority) triples
// for every non-terminated thread. Each entry's Thread holds a fresh
// strong reference (Retain), which the caller must Release.
func (tt *ThreadTable) Snapshot() []ThreadSnapshotEntry {
	out := make([]ThreadSnapshotEntry, 0, len(tt.order))
	for _, th := range tt.order {
		if th.state == ThreadTerminated {
			continue
		}
		th.retain()
		out = append(out, ThreadSnapshotEntry{Thread: th, Refcount: th.refcount, Priority: th.Priority})
	}
	return out
}

func (t *Thread) retain()  { t.refcount++ }
func (t *Thread) release() { t.refcount-- }

// CreateThread allocates and registers a new Thread under proc.
// wakeSignal is the OS-level wake-signal delivery implementation this
// thread's suspend/APC paths use (see wakesignal.go); passing nil is
// valid for tests that never exercise the OS-signal side effects.
func (tt *ThreadTable) CreateThread(proc *Process, wakeSignal WakeSignal, now time.Time) (*Thread, error) {
	if proc.IsTerminating() {
		return nil, newError("CreateThread", KindTerminating, nil)
	}
	id, ok := tt.allocID()
	if !ok {
		return nil, newError("CreateThread", KindResourceExhaustion, nil)
	}
	th := &Thread{
		ID:         id,
		Process:    proc,
		state:      ThreadRunning,
		Affinity:   proc.Affinity,
		Created:    now,
		table:      tt,
		refcount:   1,
		wakeSignal: wakeSignal,
	}
	th.apcSystem = newAPCQueue(th)
	th.apcUser = newAPCQueue(th)
	for i := range th.inflight {
		th.inflight[i] = inflightFD{client: -1, server: -1}
	}
	tt.byID[id] = th
	proc.threads = append(proc.threads, th)
	tt.order = append(tt.order, th)
	return th, nil
}

// InitHandshake validates a thread's one-time initialization handshake
// and, for the first thread of its process, establishes that process's
// CPU mode.
func (t *Thread) InitHandshake(pid, tid uint32, teb uint64, cpu CPUType, entryPoint uint64, supportedCPU func(CPUType) bool) error {
	if t.initialized {
		return newError("InitHandshake", KindInvalidArgument, nil)
	}
	if teb == 0 || teb%8 != 0 {
		return newError("InitHandshake", KindInvalidArgument, nil)
	}
	if supportedCPU != nil && !supportedCPU(cpu) {
		return newError("InitHandshake", KindUnsupported, nil)
	}
	first, ok := t.Process.establishCPUMode(cpu, entryPoint, t.Affinity)
	if !ok {
		return newError("InitHandshake", KindUnsupported, nil)
	}
	t.PID = pid
	t.TID = tid
	t.TEB = teb
	t.CPU = cpu
	t.EntryPoint = entryPoint
	t.initialized = true
	if t.table != nil {
		t.table.insertPID(t)
	}
	if first {
		t.Process.PID = pid
	}
	return nil
}

// InstallWaitChannel installs the channel wakeups are delivered over,
// built by the transport from the init handshake's wait fd. Installing a
// second channel is rejected: initialization is one-shot.
func (t *Thread) InstallWaitChannel(ch WakeChannel) error {
	if t.WaitChannel != nil {
		return newError("InstallWaitChannel", KindInvalidArgument, nil)
	}
	t.WaitChannel = ch
	return nil
}

// ThreadInfoReply is the standard-fields reply of get-thread-info.
type ThreadInfoReply struct {
	PID      uint32
	TID      uint32
	State    ThreadState
	Priority int
	Affinity uint64
	Suspend  int
	ExitCode uint32
	TEB      uint64
	Created  time.Time
	Exited   time.Time
}

// Info returns the thread's standard get-thread-info fields.
func (t *Thread) Info() ThreadInfoReply {
	return ThreadInfoReply{
		PID:      t.PID,
		TID:      t.TID,
		State:    t.state,
		Priority: t.Priority,
		Affinity: t.Affinity,
		Suspend:  t.Suspend,
		ExitCode: t.ExitCode,
		TEB:      t.TEB,
		Created:  t.Created,
		Exited:   t.Exited,
	}
}

// ThreadInfoMask selects which get-thread-info/set-thread-info fields a
// call touches, following the original's masked partial-update discipline.
type ThreadInfoMask uint32

const (
	ThreadInfoPriority ThreadInfoMask = 1 << iota
	ThreadInfoAffinity
	ThreadInfoToken
)

// ThreadInfo is the mutable subset of thread state get-thread-info /
// set-thread-info exchange.
type ThreadInfo struct {
	Priority int
	Affinity uint64
	Token    TokenRef
}

// SetInfo applies only the fields named in mask.
func (t *Thread) SetInfo(mask ThreadInfoMask, info ThreadInfo, class PriorityClass) error {
	if t.state == ThreadTerminated {
		return newError("SetInfo", KindTerminating, nil)
	}
	if mask&ThreadInfoPriority != 0 {
		if !ValidatePriority(class, info.Priority) {
			return newError("SetInfo", KindInvalidArgument, nil)
		}
		t.Priority = info.Priority
	}
	if mask&ThreadInfoAffinity != 0 {
		t.Affinity = info.Affinity & t.Process.Affinity
	}
	if mask&ThreadInfoToken != 0 {
		if t.Token != nil {
			t.Token.Release()
		}
		t.Token = info.Token
	}
	return nil
}
