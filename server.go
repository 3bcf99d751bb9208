// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import (
	"errors"
	"time"
)

// WakeChannel models a client's wait channel: each wakeup is a fixed-size
// record {cookie: 64-bit, signaled: 32-bit}, and a short write is a fatal
// protocol error for the receiving thread. The real transport (how this
// record actually reaches the client process) is out of scope; this
// package depends only on this interface.
type WakeChannel interface {
	WriteWake(cookie uint64, signaled uint32) error
}

// ErrChannelClosed is the sentinel a [WakeChannel] implementation should
// wrap/return when the underlying transport reports the client end is
// gone (the EPIPE case), so [Server] can distinguish normal death (kill
// without violence) from every other I/O error, which is a fatal
// protocol error.
var ErrChannelClosed = errors.New("longene: wait channel closed")

// Signaler is the optional capability an [Object] implements if it
// supports a polymorphic signaling operation (event set, semaphore
// release, mutex release). Select's signal parameter is only usable
// against objects implementing this.
type Signaler interface {
	Object
	Signal() error
}

// QueueWalker is the optional capability an [Object] implements to expose
// its intrusive wait queue for [Server.WakeQueue] to walk. Any Object
// embedding [WaitQueue] gets this for free with a one-line forwarding
// method (see APC.WaitQueueEntries).
type QueueWalker interface {
	Object
	WaitQueueEntries() []*QueueEntry
}

// HandleDuplicator duplicates a handle from one process's handle table
// into another's, used when an APC carrying a handle (map-view) is posted
// across processes: the handle must be rewritten to one valid in the
// target process before the APC is queued. The handle table itself is an
// external collaborator; this is the single operation the APC path needs
// from it.
type HandleDuplicator interface {
	Duplicate(handle uint64, from, to *Process) (uint64, error)
}

// DebugEventSink receives thread lifecycle debug events. The debug event
// wire format and the debugger attach/detach protocol are out of scope;
// kill-thread only needs somewhere to report the exit.
type DebugEventSink interface {
	ThreadExited(t *Thread, exitCode uint32)
}

// ProtocolVersion is reported in the init-thread reply; a client built
// against a different version must not proceed.
const ProtocolVersion uint32 = 600

// Server is the single event-driven loop core: thread lifecycle, the
// wait/wake engine, and APC delivery, wired together. Every exported
// method is expected to be called from a single goroutine (the caller's
// event loop); there is no internal locking.
type Server struct {
	Threads *ThreadTable
	timers  *TimerService
	clock   Clock
	logger  Logger
	metrics *Metrics
	maxThreads int
	wakeSignal WakeSignal

	started       time.Time
	supportedCPUs CPUMask
	handleDup     HandleDuplicator
	debugEvents   DebugEventSink
}

// NewServer constructs a Server: resolve options, wire the clock and
// timer service together, and return a ready instance. No goroutine is
// started here; this package has no I/O polling of its own to do.
func NewServer(opts ...ServerOption) *Server {
	cfg := resolveServerOptions(opts)
	s := &Server{
		Threads:       NewThreadTable(),
		clock:         cfg.clock,
		logger:        cfg.logger,
		maxThreads:    cfg.maxThreads,
		wakeSignal:    cfg.wakeSignal,
		started:       time.Now(),
		supportedCPUs: cfg.supportedCPUs,
		handleDup:     cfg.handleDup,
		debugEvents:   cfg.debugEvents,
	}
	s.timers = NewTimerService(s.clock)
	if cfg.metricsEnabled {
		s.metrics = &Metrics{}
	}
	return s
}

// Metrics returns the server's metrics, or nil if WithMetrics(true) was
// not supplied.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Now returns the server's current monotonic tick.
func (s *Server) Now() Tick { return s.clock.Now() }

// RunDueTimers fires every timer whose deadline has passed. Callers (the
// owning event loop) invoke this once per poll iteration.
func (s *Server) RunDueTimers() { s.timers.RunDue() }

// NewProcess constructs a [Process] record. The full process
// object/allocator is out of scope; this is the minimal surface the
// thread lifecycle needs (see thread.go's Process doc).
func NewProcess(pid uint32, class PriorityClass, affinity uint64, desktop string) *Process {
	return &Process{PID: pid, PriorityClass: class, Affinity: affinity, Desktop: desktop}
}

// CreateThread allocates and registers a new thread under proc.
func (s *Server) CreateThread(proc *Process) (*Thread, error) {
	if s.maxThreads > 0 && len(s.Threads.order) >= s.maxThreads {
		return nil, newError("CreateThread", KindResourceExhaustion, nil)
	}
	th, err := s.Threads.CreateThread(proc, s.wakeSignal, time.Now())
	if err != nil {
		s.logger.Log(LevelWarn, "create-thread failed", F("error", err))
		return nil, err
	}
	th.wakeHook = s.wakeThreadHook
	if s.metrics != nil {
		s.metrics.ThreadsCreated.Add(1)
	}
	s.logger.Log(LevelDebug, "thread created", F("tid", th.ID))
	return th, nil
}

// CreateThreadSuspended is CreateThread with the new-thread request's
// suspend flag set: the record starts with a suspend count of one, so
// the client thread stops at its first server round-trip until resumed.
// No OS-level stop signal is needed; the thread has not started yet.
func (s *Server) CreateThreadSuspended(proc *Process) (*Thread, error) {
	th, err := s.CreateThread(proc)
	if err != nil {
		return nil, err
	}
	th.Suspend = 1
	return th, nil
}

// InitRequest carries a thread's one-time initialization handshake: its
// OS identity, TEB, entry point, CPU type, debug level, and the client
// fd numbers of the two extra channels it sent over ancillary data
// (matched against the thread's in-flight fd cache).
type InitRequest struct {
	UnixPID, UnixTID uint32
	TEB, EntryPoint  uint64
	CPU              CPUType
	DebugLevel       int
	ReplyFD, WaitFD  int
}

// InitReply is the init-thread reply.
type InitReply struct {
	PID, TID      uint32
	Version       uint32
	ServerStart   time.Time
	SupportedCPUs CPUMask
	InfoSize      uint32

	// ReplyServerFD and WaitServerFD are the server-side descriptors
	// popped from the in-flight cache; the transport layer builds the
	// reply and wait channels from them (then installs the latter via
	// [Thread.InstallWaitChannel]).
	ReplyServerFD, WaitServerFD int
}

// InitThread performs the initialization handshake: resolve the reply
// and wait fds from the in-flight cache, validate the TEB/CPU, and (for
// the first thread of a process) establish that process's CPU mode.
func (s *Server) InitThread(t *Thread, req InitRequest) (InitReply, error) {
	replyFD := t.GetInflightFD(req.ReplyFD)
	if replyFD == -1 {
		return InitReply{}, newStatusError("InitThread", KindResourceExhaustion, StatusTooManyOpenedFiles, nil)
	}
	waitFD := t.GetInflightFD(req.WaitFD)
	if waitFD == -1 {
		t.closeFD(replyFD)
		return InitReply{}, newStatusError("InitThread", KindResourceExhaustion, StatusTooManyOpenedFiles, nil)
	}
	supported := func(c CPUType) bool {
		return s.supportedCPUs == 0 || s.supportedCPUs.Supports(c)
	}
	if err := t.InitHandshake(req.UnixPID, req.UnixTID, req.TEB, req.CPU, req.EntryPoint, supported); err != nil {
		t.closeFD(replyFD)
		t.closeFD(waitFD)
		return InitReply{}, err
	}
	t.DebugLevel = req.DebugLevel
	s.logger.Log(LevelInfo, "thread initialized", F("tid", t.ID), F("unixTid", req.UnixTID), F("cpu", req.CPU))
	return InitReply{
		PID:           t.Process.PID,
		TID:           uint32(t.ID),
		Version:       ProtocolVersion,
		ServerStart:   s.started,
		SupportedCPUs: s.supportedCPUs,
		ReplyServerFD: replyFD,
		WaitServerFD:  waitFD,
	}, nil
}

// OpenThread resolves a thread id to a thread record, taking a fresh
// strong reference the caller must Release, and maps any generic bits of
// the requested access.
func (s *Server) OpenThread(id ThreadID, access AccessMask) (*Thread, AccessMask, error) {
	th, ok := s.Threads.ByID(id)
	if !ok {
		return nil, 0, newError("OpenThread", KindInvalidID, nil)
	}
	th.Retain()
	return th, th.MapAccessMask(access), nil
}

// SetThreadInfo applies a masked partial update against t, validating
// priority against t's process class.
func (s *Server) SetThreadInfo(t *Thread, mask ThreadInfoMask, info ThreadInfo) error {
	return t.SetInfo(mask, info, t.Process.PriorityClass)
}

// TerminateThread kills t, returning the last-in-process flag the
// terminate-thread reply carries.
func (s *Server) TerminateThread(t *Thread, exitCode uint32, violent bool) (lastInProcess bool, err error) {
	var debugExit func(*Thread, uint32)
	if s.debugEvents != nil {
		debugExit = s.debugEvents.ThreadExited
	}
	wasAlreadyDead := t.KillThread(exitCode, violent, time.Now(),
		func(th *Thread, status StatusCode) { s.unwindAllWaits(th, status) },
		func(th *Thread, max int) { s.WakeQueue(th, max) },
		debugExit,
	)
	if wasAlreadyDead {
		return t.LastInProcess(), nil
	}
	if s.metrics != nil {
		s.metrics.ThreadsKilled.Add(1)
	}
	s.logger.Log(LevelInfo, "thread terminated", F("tid", t.ID), F("exitCode", exitCode), F("violent", violent))
	return t.LastInProcess(), nil
}

// unwindAllWaits ends every nested wait frame on t's stack and sends one
// final wakeup carrying the thread's exit code.
func (s *Server) unwindAllWaits(t *Thread, exitStatus StatusCode) {
	f := t.wait
	if f == nil {
		return
	}
	cookie := f.Cookie
	for cur := f; cur != nil; cur = cur.Prev {
		cur.unwind(len(cur.Entries))
		if cur.HasTimeout {
			s.timers.Cancel(cur.Timeout)
		}
	}
	t.wait = nil
	_ = s.deliverWake(t, cookie, exitStatus)
}

// SuspendThread increments t's suspend count.
func (s *Server) SuspendThread(t *Thread) (prior int, err error) {
	return t.SuspendThread()
}

// ResumeThread decrements t's suspend count. When the suspend sum
// reaches zero the suspend-context snapshot is released and the thread's
// wait/APC evaluation re-runs.
func (s *Server) ResumeThread(t *Thread) (prior int, err error) {
	return t.ResumeThread(func(th *Thread) {
		ClearSuspendContext(th)
		s.wakeThread(th)
	})
}

// isAPCReceptive is the shared predicate used both for queue-apc's
// candidate-selection priority (a) and for deciding whether an
// already-empty system queue needs a wake-signal.
func isAPCReceptive(t *Thread) bool {
	if t.wait != nil && t.wait.Flags&WaitInterruptible != 0 {
		return true
	}
	return t.Suspended()
}

// pickAPCCandidate resolves queue-apc's target thread when none is given
// explicitly: priority (a) a non-terminated thread currently receptive
// (interruptible wait or suspended), else (b) the first non-terminated
// thread at all.
func pickAPCCandidate(proc *Process) *Thread {
	for _, t := range proc.threads {
		if t.state != ThreadTerminated && isAPCReceptive(t) {
			return t
		}
	}
	for _, t := range proc.threads {
		if t.state != ThreadTerminated {
			return t
		}
	}
	return nil
}

// QueueAPC posts a into proc, resolving a target thread if none is given.
// Only an explicitly-targeted post cancels a prior same-owner-same-type
// APC on the target's queue. A map-view APC posted across processes has
// its section handle rewritten to a duplicate valid in the target process
// before queueing.
func (s *Server) QueueAPC(proc *Process, target *Thread, a *APC) error {
	explicit := target != nil
	if target == nil {
		target = pickAPCCandidate(proc)
		if target == nil {
			return newError("QueueAPC", KindInvalidArgument, nil)
		}
	}
	if a.Args.Type == APCMapView && a.Caller != nil && a.Caller.Process != target.Process && s.handleDup != nil {
		h, err := s.handleDup.Duplicate(a.Args.MapViewHandle, a.Caller.Process, target.Process)
		if err != nil {
			return err
		}
		a.Args.MapViewHandle = h
	}
	receptive := isAPCReceptive(target)
	cancelled, err := target.QueueAPC(a, s.wakeThreadHook, receptive, explicit)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.APCsPosted.Add(1)
		s.metrics.APCsCancelled.Add(int64(cancelled))
	}
	s.logger.Log(LevelDebug, "apc queued", F("tid", target.ID), F("type", a.Args.Type))
	return nil
}

// CompleteAPC records the client-side execution result of a previously
// delivered APC, waking any thread waiting on the APC object (a caller
// blocked on the APC handle learns its remote execution finished).
func (s *Server) CompleteAPC(a *APC, result APCResult) {
	a.markExecuted(result, s.wakeThreadHook)
	if s.metrics != nil {
		s.metrics.APCsExecuted.Add(1)
	}
}

// SelectAfterAPC is Select for the follow-up round-trip after a USER_APC
// wake: the client posts the result of the APC it just executed, then
// re-enters the wait. prev may be nil when there is no result to post.
func (s *Server) SelectAfterAPC(t *Thread, prev *APC, result APCResult, cookie uint64, objects []Object, flags WaitFlags, timeout Tick, signal Object) (*WakeResult, error) {
	if prev != nil {
		s.CompleteAPC(prev, result)
	}
	return s.Select(t, cookie, objects, flags, timeout, signal)
}

// resolveFrame is the shared tail of both Select's synchronous evaluation
// and the async wake paths ([Server.wakeThread], the timeout callback):
// unwind the frame, cancel its timer, and -- if the outcome is USER_APC and
// the resolution is synchronous -- apply the APC dequeue policy. An async
// USER_APC wake must NOT dequeue: the wake channel's fixed record has no
// room for the call, so the APC stays queued until the client's follow-up
// select retrieves it synchronously.
func (s *Server) resolveFrame(f *WaitFrame, outcome checkWaitOutcome, dequeue bool) WakeResult {
	f.unwind(len(f.Entries))
	if f.HasTimeout {
		s.timers.Cancel(f.Timeout)
	}
	result := WakeResult{Cookie: f.Cookie, Status: outcome.status}
	if dequeue && outcome.status == StatusUserAPC {
		systemOnly := f.Flags&WaitAlertable == 0
		result.APCHandle = f.Thread.DequeueAPC(systemOnly)
	}
	if s.metrics != nil {
		switch {
		case outcome.status == StatusTimeout:
			s.metrics.WaitsTimedOut.Add(1)
		case outcome.status == StatusUserAPC:
			// APC delivery interrupted the wait; counted under APCs.
		case outcome.status >= StatusAbandonedWait0 && outcome.status < StatusAbandonedWait0+MaxWaitObjects:
			s.metrics.WaitsAbandoned.Add(1)
		default:
			s.metrics.WaitsSatisfied.Add(1)
		}
	}
	return result
}

// Select waits on objects on behalf of t. objects must already be
// resolved with SYNCHRONIZE access (handle resolution is out of scope
// for this package); signal, if non-nil, must implement [Signaler].
//
// Return contract: a non-nil *WakeResult means the wait resolved
// synchronously within this call (the caller replies immediately with
// result.Status). A nil result and nil error means the wait is pending --
// either truly pending (the caller installs no reply; a later call to
// [Server.wakeThread] or the timeout callback will deliver the wakeup over
// the thread's [WakeChannel]), or it was already resolved and delivered as
// a side effect of the optional signal step. Both cases require no
// synchronous reply from the caller, so they share this return shape. A
// non-nil error means the call failed outright.
func (s *Server) Select(t *Thread, cookie uint64, objects []Object, flags WaitFlags, timeout Tick, signal Object) (*WakeResult, error) {
	if t.state == ThreadTerminated {
		return nil, newError("Select", KindTerminating, nil)
	}
	if len(objects) > MaxWaitObjects {
		return nil, newError("Select", KindInvalidArgument, nil)
	}

	now := s.clock.Now()
	hasTimeout := timeout != TimeoutInfinite
	deadline := TimeoutInfinite
	if hasTimeout {
		if timeout <= 0 {
			deadline = now - timeout
		} else {
			deadline = timeout
		}
	}

	f := newWaitFrame(t, objects, flags, deadline, cookie)
	f.HasTimeout = hasTimeout

	for i := range f.Entries {
		if err := f.Entries[i].Object.AddWaiter(&f.Entries[i]); err != nil {
			f.unwind(i)
			if t.wait == f {
				t.wait = f.Prev
			}
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.WaitsStarted.Add(1)
	}

	if signal != nil {
		sig, ok := signal.(Signaler)
		if !ok {
			f.unwind(len(f.Entries))
			if t.wait == f {
				t.wait = f.Prev
			}
			return nil, newError("Select", KindInvalidArgument, nil)
		}
		if err := sig.Signal(); err != nil {
			f.unwind(len(f.Entries))
			if t.wait == f {
				t.wait = f.Prev
			}
			return nil, err
		}
		s.WakeQueue(signal, 0)
		if t.wait != f {
			// Our own frame resolved and was already delivered as a side
			// effect of waking signal's queue.
			return nil, nil
		}
	}

	outcome := checkWait(f, now)
	if outcome.pending {
		if hasTimeout {
			f.Timeout = s.timers.Schedule(deadline, func() { s.onTimeout(t, f) })
		}
		return nil, nil
	}

	result := s.resolveFrame(f, outcome, true)
	return &result, nil
}

// onTimeout is the [TimerService] callback scheduled by Select.
func (s *Server) onTimeout(t *Thread, f *WaitFrame) {
	if t.wait != f || t.Suspended() {
		return
	}
	result := s.resolveFrame(f, checkWaitOutcome{status: StatusTimeout}, false)
	if err := s.deliverWake(t, result.Cookie, result.Status); err != nil {
		return
	}
	s.wakeThread(t)
}

// wakeThreadHook adapts [Server.wakeThread] to the func(*Thread) signature
// required by [Thread.wakeHook], [Thread.QueueAPC], and [APC.markExecuted],
// discarding the resolved-frame count those callers don't use.
func (s *Server) wakeThreadHook(t *Thread) {
	s.wakeThread(t)
}

// wakeThread loops over the thread's wait stack (an APC invocation may
// have nested a new wait on top of the one just resolved), re-running
// checkWait and dispatching a wake for each resolved frame, stopping at
// the first pending result or a wake-delivery failure. Returns the count
// of frames resolved.
func (s *Server) wakeThread(t *Thread) int {
	resolved := 0
	for t.wait != nil {
		f := t.wait
		outcome := checkWait(f, s.clock.Now())
		if outcome.pending {
			break
		}
		result := s.resolveFrame(f, outcome, false)
		resolved++
		if err := s.deliverWake(t, result.Cookie, result.Status); err != nil {
			break
		}
	}
	return resolved
}

// WakeQueue walks obj's wait queue, attempting to wake each owning
// thread; on a successful wake the target may have rearranged the queue,
// so iteration restarts from the head. max=0 means "all"; otherwise stop
// after max successful wakes.
func (s *Server) WakeQueue(obj Object, max int) int {
	qw, ok := obj.(QueueWalker)
	if !ok {
		return 0
	}
	woken := 0
	for {
		entries := qw.WaitQueueEntries()
		if len(entries) == 0 {
			break
		}
		progressed := false
		for _, e := range entries {
			if s.wakeThread(e.Thread) > 0 {
				woken++
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
		if max > 0 && woken >= max {
			break
		}
	}
	return woken
}

// deliverWake writes {cookie, signaled-status} to the client's wait
// channel. A short write is fatal; [ErrChannelClosed] is normal death
// (kill without violence); any other I/O error is a fatal protocol error
// -- both result in a non-violent kill.
func (s *Server) deliverWake(t *Thread, cookie uint64, status StatusCode) error {
	if t.WaitChannel == nil {
		return nil
	}
	err := t.WaitChannel.WriteWake(cookie, uint32(status))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelClosed) {
		s.logger.Log(LevelInfo, "wait channel closed, killing thread", F("tid", t.ID))
	} else {
		if s.metrics != nil {
			s.metrics.FatalProtocols.Add(1)
		}
		s.logger.Log(LevelError, "fatal protocol error on wait channel", F("tid", t.ID), F("error", err))
	}
	_, _ = s.TerminateThread(t, 0, false)
	return err
}

// GetAPCResult is a block-free read of an already-executed APC's result.
func GetAPCResult(a *APC) (APCResult, bool) {
	if !a.executed {
		return APCResult{}, false
	}
	return a.Result, true
}
