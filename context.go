// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

// ContextFlags selects which register groups a get/set-thread-context call
// touches. The concrete register layout is out of scope; this package
// only distinguishes "client-accessible" from "system" registers, the
// latter always fetched live from the OS.
type ContextFlags uint32

const (
	ContextClient ContextFlags = 1 << iota
	ContextSystem
)

// ContextResult is the outcome of GetThreadContext.
type ContextResult struct {
	Self    bool // the caller asked about its own thread; client context is authoritative
	Pending bool // no server-side snapshot yet and the thread is RUNNING
	Context *CPUContext
}

// SystemRegisterIO fetches/writes system registers (e.g. x86/x64 debug
// registers) live from the OS. It is an external collaborator: this
// package never interprets register contents, only sequences when to call
// out to them.
type SystemRegisterIO interface {
	GetSystemRegisters(t *Thread) []byte
	SetSystemRegisters(t *Thread, data []byte)
}

// GetThreadContext returns the target thread's register snapshot. self
// reports whether the caller is asking about its own thread; sysIO may be
// nil if the caller never needs system-register access (tests, or a
// thread with no debug registers in play).
func GetThreadContext(t *Thread, flags ContextFlags, self bool, sysIO SystemRegisterIO, autoSuspend bool, suspend func(*Thread) (int, error)) (ContextResult, error) {
	if self {
		return ContextResult{Self: true}, nil
	}
	if t.state == ThreadTerminated {
		return ContextResult{}, newStatusError("GetThreadContext", KindTerminating, StatusUnsuccessful, nil)
	}
	if t.Context == nil {
		if t.state == ThreadRunning {
			if autoSuspend && suspend != nil {
				_, _ = suspend(t)
			}
			return ContextResult{Pending: true}, nil
		}
	}
	result := ContextResult{}
	if t.Context != nil {
		cp := *t.Context
		result.Context = &cp
	}
	if flags&ContextSystem != 0 && sysIO != nil {
		data := sysIO.GetSystemRegisters(t)
		if result.Context == nil {
			result.Context = &CPUContext{System: true}
		}
		result.Context.Data = data
	}
	return result, nil
}

// SetThreadContext rejects a CPU-type mismatch, writes system flags
// through to the OS when the target is suspended, and writes client
// flags into the snapshot.
func SetThreadContext(t *Thread, flags ContextFlags, cpu CPUType, data []byte, sysIO SystemRegisterIO) error {
	if t.CPU != cpu {
		return newError("SetThreadContext", KindUnsupported, nil)
	}
	if flags&ContextSystem != 0 {
		if !t.Suspended() {
			return newError("SetThreadContext", KindInvalidArgument, nil)
		}
		if sysIO != nil {
			sysIO.SetSystemRegisters(t, data)
		}
	}
	if flags&ContextClient != 0 {
		if t.Context == nil {
			t.Context = &CPUContext{}
		}
		t.Context.Data = data
	}
	return nil
}

// GetSuspendContext returns the snapshot captured when the client entered
// the server on a suspend or exception.
func GetSuspendContext(t *Thread) (*CPUContext, error) {
	if t.SuspendContext == nil {
		return nil, newError("GetSuspendContext", KindInvalidArgument, nil)
	}
	cp := *t.SuspendContext
	return &cp, nil
}

// SetSuspendContext installs the snapshot a client captures entering the
// server on a suspend or exception. A second call while a snapshot is
// already installed is rejected.
func SetSuspendContext(t *Thread, ctx *CPUContext) error {
	if t.SuspendContext != nil {
		return newError("SetSuspendContext", KindInvalidArgument, nil)
	}
	t.SuspendContext = ctx
	return nil
}

// ClearSuspendContext releases the suspend-context snapshot, called when
// the client is resumed.
func ClearSuspendContext(t *Thread) {
	t.SuspendContext = nil
}

// SelectorEntry is the get-selector-entry reply: one local-descriptor-
// table entry's base, limit, and flags.
type SelectorEntry struct {
	Base  uint32
	Limit uint32
	Flags uint8
}

// SelectorTable is the process's LDT copy, published by the memory
// subsystem outside this package. Entry reports false for a selector
// with no descriptor.
type SelectorTable interface {
	Entry(selector uint16) (SelectorEntry, bool)
}

// GetSelectorEntry fetches one LDT entry for the target thread's process.
func GetSelectorEntry(t *Thread, selector uint16) (SelectorEntry, error) {
	ldt := t.Process.LDT
	if ldt == nil {
		return SelectorEntry{}, newError("GetSelectorEntry", KindAccessDenied, nil)
	}
	e, ok := ldt.Entry(selector)
	if !ok {
		return SelectorEntry{}, newError("GetSelectorEntry", KindInvalidArgument, nil)
	}
	return e, nil
}
