// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// logging.go - structured logging interface for the longene server core.
//
// A small package-level Logger interface with a low-overhead built-in
// default, designed so callers can plug in a real structured-logging
// framework instead. This package exposes a github.com/joeycumines/logiface
// adapter as a first-class constructor, NewLogifaceLogger, since a
// cooperative single-threaded server logging thread lifecycle and APC
// delivery is exactly the kind of production code that wants a real
// structured sink, not just a test double.
package longene

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// Level is this package's own log-level enum, independent of (but ordered
// the same direction as) logiface.Level, so callers who never import
// logiface still get a usable Logger.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field is one structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F is a convenience constructor for a [Field].
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the package-level pluggable logging sink. The Server logs
// thread creation, initialization and termination, APC posts, and a
// closed wait channel at Debug/Info, and create-thread failures and fatal
// wait-channel errors at Warn/Error. Suspend, resume, APC cancellations
// and individual wait resolutions are not logged.
type Logger interface {
	Log(level Level, msg string, fields ...Field)
}

// NoOpLogger discards everything. It is the default until SetStructuredLogger or
// WithLogger installs something else.
type NoOpLogger struct{}

// Log implements Logger.
func (NoOpLogger) Log(Level, string, ...Field) {}

// defaultLogger is a minimal text logger to stderr, used when a caller
// wants basic visibility without wiring a full structured-logging stack.
type defaultLogger struct {
	mu  sync.Mutex
	min Level
}

// NewDefaultLogger returns a Logger that writes lines to stderr at or
// above min.
func NewDefaultLogger(min Level) Logger {
	return &defaultLogger{min: min}
}

// Log implements Logger.
func (l *defaultLogger) Log(level Level, msg string, fields ...Field) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s [%s] %s", time.Now().UTC().Format(time.RFC3339Nano), level, msg)
	for _, f := range fields {
		fmt.Fprintf(os.Stderr, " %s=%v", f.Key, f.Value)
	}
	fmt.Fprintln(os.Stderr)
}

// logifaceEvent is the minimal logiface.Event implementation the adapter
// uses: it embeds logiface.UnimplementedEvent and overrides only what's
// needed (Level, plus a field setter) to stay generic over any logiface
// Writer backend (stumpy, zerolog, logrus, slog, and other compatible
// backends).
type logifaceEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	fields []Field
}

func (e *logifaceEvent) Level() logiface.Level { return e.level }

func (e *logifaceEvent) AddField(key string, val any) {
	e.fields = append(e.fields, Field{Key: key, Value: val})
}

type logifaceEventFactory struct{}

func (logifaceEventFactory) NewEvent(level logiface.Level) *logifaceEvent {
	return &logifaceEvent{level: level}
}

// logifaceAdapter implements Logger by forwarding to a
// logiface.Logger[*logifaceEvent].
type logifaceAdapter struct {
	logger *logiface.Logger[*logifaceEvent]
}

func toLogifaceLevel(l Level) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// Log implements Logger by building and emitting a logiface event.
func (a *logifaceAdapter) Log(level Level, msg string, fields ...Field) {
	b := a.logger.Build(toLogifaceLevel(level))
	if b == nil {
		return
	}
	for _, f := range fields {
		b = b.Call(func(b *logiface.Builder[*logifaceEvent]) {
			b.Event.AddField(f.Key, f.Value)
		})
	}
	b.Log(msg)
}

// NewLogifaceLogger wraps a caller-supplied logiface.Writer (e.g. stumpy,
// zerolog, logrus, slog, or any other compatible backend) as a [Logger],
// so the server's structured logging can flow into whatever the
// surrounding application already uses.
func NewLogifaceLogger(writer logiface.Writer[*logifaceEvent], level Level) Logger {
	l := logiface.New[*logifaceEvent](
		logiface.WithEventFactory[*logifaceEvent](logifaceEventFactory{}),
		logiface.WithWriter[*logifaceEvent](writer),
	)
	return &logifaceAdapter{logger: l}
}

var (
	globalLoggerMu sync.RWMutex
	globalLogger   Logger = NoOpLogger{}
)

// SetStructuredLogger sets the package-level default logger used by Server
// instances constructed without an explicit [WithLogger] option.
func SetStructuredLogger(logger Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if logger == nil {
		logger = NoOpLogger{}
	}
	globalLogger = logger
}

func getGlobalLogger() Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}
