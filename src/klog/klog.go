// Package klog is the kernel's leveled logger.
//
// It is grounded on the teacher's lib/trust package: a mask of
// enabled levels, one Xf function per level, and a Fatalf that never
// returns. Unlike the teacher (single-core RPi3), this kernel runs on
// several CPUs at once, so klog adds a per-CPU re-entry guard: if an
// allocator failure is logged while that same CPU already holds the
// heap lock inside another log call, the inner call is dropped rather
// than deadlocking.
package klog

import (
	"fmt"
	"sync/atomic"
)

// Level is a bitmask of enabled severities, matching trust.MaskLevel.
type Level uint8

const (
	LevelError Level = 0x1
	LevelWarn  Level = 0x2
	LevelInfo  Level = 0x4
	LevelDebug Level = 0x8
	LevelStats Level = 0x10
	levelFatal Level = 0x80

	LevelNone Level = 0
	LevelAll  Level = LevelError | LevelWarn | LevelInfo | LevelDebug | LevelStats
)

var enabled atomic.Uint32

func init() {
	enabled.Store(uint32(LevelAll))
}

// SetLevel replaces the enabled mask and returns the previous one.
func SetLevel(mask Level) Level {
	prev := Level(enabled.Load())
	enabled.Store(uint32(mask & LevelAll))
	return prev
}

// CurrentLevel returns the currently enabled mask.
func CurrentLevel() Level {
	return Level(enabled.Load())
}

// Sink receives formatted log lines. Tests and the host tools install
// their own; the kernel installs one that writes to a drivers.UART.
type Sink interface {
	WriteString(s string)
}

type sinkBox struct{ s Sink }

var sink atomic.Value // *sinkBox

// SetSink installs the destination for formatted log lines. Passing
// nil reverts to writing to stdout (used before UART init, and by
// tests that want the default behavior back).
func SetSink(s Sink) {
	sink.Store(&sinkBox{s: s})
}

func writeLine(s string) {
	v := sink.Load()
	if v == nil {
		fmt.Print(s)
		return
	}
	box := v.(*sinkBox)
	if box.s == nil {
		fmt.Print(s)
		return
	}
	box.s.WriteString(s)
}

// maxCPUs bounds the re-entry guard array; it matches proc's
// compile-time CPU cap so the two packages agree without importing
// each other.
const maxCPUs = 8

var inLog [maxCPUs]atomic.Bool

// cpuIDFunc resolves the calling CPU's index. Until SetCPUIDFunc
// installs a lookup (boot.Run does not) it reports CPU 0, which is
// safe because early boot and single-goroutine tests really are
// single-threaded with respect to logging.
type cpuIDBox struct{ f func() int }

var cpuIDFunc atomic.Value // *cpuIDBox

// SetCPUIDFunc installs the function klog uses to find the calling
// CPU's index for its re-entry guard. Passing nil reverts to always
// reporting CPU 0.
func SetCPUIDFunc(f func() int) {
	cpuIDFunc.Store(&cpuIDBox{f: f})
}

func currentCPU() int {
	v := cpuIDFunc.Load()
	if v == nil {
		return 0
	}
	box := v.(*cpuIDBox)
	if box.f == nil {
		return 0
	}
	id := box.f()
	if id < 0 || id >= maxCPUs {
		return 0
	}
	return id
}

func logf(level Level, format string, args ...interface{}) {
	if level != levelFatal && Level(enabled.Load())&level == 0 {
		return
	}
	cpu := currentCPU()
	if !inLog[cpu].CompareAndSwap(false, true) {
		return
	}
	defer inLog[cpu].Store(false)

	prefix := prefixFor(level)
	line := fmt.Sprintf(format, args...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	writeLine(prefix + line)
}

func prefixFor(level Level) string {
	switch level {
	case levelFatal:
		return "FATAL: "
	case LevelError:
		return "ERROR: "
	case LevelWarn:
		return " WARN: "
	case LevelInfo:
		return " INFO: "
	case LevelDebug:
		return "DEBUG: "
	case LevelStats:
		return "STATS: "
	default:
		return ""
	}
}

// Errorf logs at LevelError.
func Errorf(format string, args ...interface{}) { logf(LevelError, format, args...) }

// Warnf logs at LevelWarn.
func Warnf(format string, args ...interface{}) { logf(LevelWarn, format, args...) }

// Infof logs at LevelInfo.
func Infof(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Debugf logs at LevelDebug.
func Debugf(format string, args ...interface{}) { logf(LevelDebug, format, args...) }

// Statsf logs at LevelStats, tagged with a category.
func Statsf(category, format string, args ...interface{}) {
	logf(LevelStats, "[%s] "+format, append([]interface{}{category}, args...)...)
}

// haltBox holds the function Fatalf calls after logging, instead of
// returning. boot.Run installs archcap's HaltLoop; tests install
// something that records the call instead of spinning forever.
type haltBox struct{ f func() }

var haltFunc atomic.Value // *haltBox

// SetHaltFunc installs the function Fatalf calls after logging.
// Passing nil makes Fatalf a no-op after logging (used by tests).
func SetHaltFunc(f func()) {
	haltFunc.Store(&haltBox{f: f})
}

// Fatalf logs unconditionally (Fatalf is not maskable) and then calls
// the installed halt function. It does not return under normal
// operation; tests that install a non-halting halt function can observe
// that Fatalf returned.
func Fatalf(format string, args ...interface{}) {
	logf(levelFatal, format, args...)
	if v := haltFunc.Load(); v != nil {
		if box := v.(*haltBox); box.f != nil {
			box.f()
		}
	}
}
