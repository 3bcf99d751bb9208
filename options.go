// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package longene

// serverOptions holds configuration for [NewServer], following a
// functional-options pattern: each [ServerOption] mutates one field.
type serverOptions struct {
	logger         Logger
	metricsEnabled bool
	clock          Clock
	maxThreads     int
	wakeSignal     WakeSignal
	supportedCPUs  CPUMask
	handleDup      HandleDuplicator
	debugEvents    DebugEventSink
}

// ServerOption configures a [Server] instance.
type ServerOption interface {
	applyServer(*serverOptions)
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) applyServer(o *serverOptions) { f(o) }

// WithLogger overrides the server's [Logger]; the default is the
// package-level logger installed via [SetStructuredLogger] (a [NoOpLogger]
// if none was installed).
func WithLogger(logger Logger) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.logger = logger })
}

// WithMetrics enables [Metrics] collection on the server, retrievable via
// Server.Metrics.
func WithMetrics(enabled bool) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.metricsEnabled = enabled })
}

// WithClock injects a [Clock], letting tests use a [FakeClock] for
// deterministic timeout-race scenarios. The default is [NewRealClock].
func WithClock(clock Clock) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.clock = clock })
}

// WithMaxThreads bounds the number of live thread records the server's
// ThreadTable will allocate before CreateThread starts failing with
// KindResourceExhaustion. Zero (the default) means unbounded.
func WithMaxThreads(n int) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.maxThreads = n })
}

// WithWakeSignal injects the [WakeSignal] implementation used to stop,
// wake, and terminate threads at the OS level. The default is
// [NoopWakeSignal]; production servers should supply [NewUnixWakeSignal]
// (unix builds) or an equivalent.
func WithWakeSignal(ws WakeSignal) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.wakeSignal = ws })
}

// WithSupportedCPUs sets the guest CPU architectures this server build
// accepts at init-thread time, reported back to clients in the handshake
// reply. Zero (the default) accepts every CPU type.
func WithSupportedCPUs(mask CPUMask) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.supportedCPUs = mask })
}

// WithHandleDuplicator injects the handle-table collaborator used to
// rewrite a map-view APC's section handle when posting across processes.
// Without one, cross-process handles are passed through unchanged.
func WithHandleDuplicator(d HandleDuplicator) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.handleDup = d })
}

// WithDebugEvents injects the sink thread-exit debug events are reported
// to. Without one, no debug events are emitted.
func WithDebugEvents(sink DebugEventSink) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.debugEvents = sink })
}

func resolveServerOptions(opts []ServerOption) *serverOptions {
	cfg := &serverOptions{
		logger:     getGlobalLogger(),
		clock:      NewRealClock(),
		wakeSignal: NoopWakeSignal{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyServer(cfg)
	}
	return cfg
}
