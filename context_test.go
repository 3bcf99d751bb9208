// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

import (
	"testing"
	"time"
)

// fakeSysRegs is a [SystemRegisterIO] double recording write-throughs and
// serving a canned register blob.
type fakeSysRegs struct {
	served  []byte
	written []byte
}

func (f *fakeSysRegs) GetSystemRegisters(*Thread) []byte        { return f.served }
func (f *fakeSysRegs) SetSystemRegisters(_ *Thread, data []byte) { f.written = data }

func TestGetThreadContext_SelfIsAuthoritative(t *testing.T) {
	th := newTestThread()
	res, err := GetThreadContext(th, ContextClient, true, nil, false, nil)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if !res.Self {
		t.Fatal("self query must report Self: the client's own context is authoritative")
	}
}

func TestGetThreadContext_PendingAutoSuspendsRunningTarget(t *testing.T) {
	th := newTestThread()
	suspended := false
	suspend := func(target *Thread) (int, error) {
		suspended = true
		return target.SuspendThread()
	}

	res, err := GetThreadContext(th, ContextClient, false, nil, true, suspend)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if !res.Pending {
		t.Fatal("a running target with no snapshot must report Pending")
	}
	if !suspended || !th.Suspended() {
		t.Fatal("auto-suspend must have suspended the target")
	}
}

func TestGetThreadContext_TerminatedTargetFails(t *testing.T) {
	th := newTestThread()
	th.KillThread(0, false, time.Now(), nil, nil, nil)
	if _, err := GetThreadContext(th, ContextClient, false, nil, false, nil); err == nil {
		t.Fatal("expected error querying a terminated thread's context")
	}
}

func TestGetThreadContext_SystemRegistersFetchedLive(t *testing.T) {
	th := newTestThread()
	th.Context = &CPUContext{Data: []byte{1, 2}}
	sys := &fakeSysRegs{served: []byte{0xD7}}

	res, err := GetThreadContext(th, ContextSystem, false, sys, false, nil)
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if res.Context == nil || res.Context.Data[0] != 0xD7 {
		t.Fatalf("system registers must come live from the OS, got %+v", res.Context)
	}
}

func TestSetThreadContext_RejectsCPUMismatch(t *testing.T) {
	th := newTestThread()
	th.CPU = CPUx86
	if err := SetThreadContext(th, ContextClient, CPUARM64, nil, nil); err == nil {
		t.Fatal("expected CPU-type mismatch to be rejected")
	}
}

func TestSetThreadContext_SystemWritesThroughOnlyWhileSuspended(t *testing.T) {
	th := newTestThread()
	sys := &fakeSysRegs{}

	if err := SetThreadContext(th, ContextSystem, th.CPU, []byte{1}, sys); err == nil {
		t.Fatal("system-register write on a running target must be rejected")
	}

	if _, err := th.SuspendThread(); err != nil {
		t.Fatalf("SuspendThread: %v", err)
	}
	if err := SetThreadContext(th, ContextSystem, th.CPU, []byte{1}, sys); err != nil {
		t.Fatalf("SetThreadContext: %v", err)
	}
	if sys.written == nil {
		t.Fatal("system registers must be written through to the OS")
	}
}

func TestSuspendContext_DoubleInstallRejected(t *testing.T) {
	th := newTestThread()

	if _, err := GetSuspendContext(th); err == nil {
		t.Fatal("GetSuspendContext with no snapshot installed must fail")
	}
	if err := SetSuspendContext(th, &CPUContext{Data: []byte{9}}); err != nil {
		t.Fatalf("SetSuspendContext: %v", err)
	}
	if err := SetSuspendContext(th, &CPUContext{}); err == nil {
		t.Fatal("double-install with an existing snapshot must be rejected")
	}

	got, err := GetSuspendContext(th)
	if err != nil {
		t.Fatalf("GetSuspendContext: %v", err)
	}
	if got == th.SuspendContext {
		t.Fatal("GetSuspendContext must return a copy, not the stored snapshot")
	}

	ClearSuspendContext(th)
	if th.SuspendContext != nil {
		t.Fatal("ClearSuspendContext must release the snapshot")
	}
}

// fakeLDT is a [SelectorTable] double with a single descriptor.
type fakeLDT struct {
	sel   uint16
	entry SelectorEntry
}

func (l *fakeLDT) Entry(selector uint16) (SelectorEntry, bool) {
	if selector == l.sel {
		return l.entry, true
	}
	return SelectorEntry{}, false
}

func TestGetSelectorEntry(t *testing.T) {
	th := newTestThread()

	if _, err := GetSelectorEntry(th, 0x0F); err == nil {
		t.Fatal("a process with no LDT must reject selector queries")
	}

	th.Process.LDT = &fakeLDT{sel: 0x0F, entry: SelectorEntry{Base: 0x1000, Limit: 0xFFF, Flags: 0x92}}
	got, err := GetSelectorEntry(th, 0x0F)
	if err != nil {
		t.Fatalf("GetSelectorEntry: %v", err)
	}
	if got.Base != 0x1000 || got.Limit != 0xFFF || got.Flags != 0x92 {
		t.Fatalf("entry = %+v", got)
	}

	if _, err := GetSelectorEntry(th, 0x17); err == nil {
		t.Fatal("an unknown selector must be rejected")
	}
}
