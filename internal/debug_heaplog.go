//go:build debugheaplog

package internal

import (
	"log/slog"
	"runtime"
	"time"
	"unsafe"
)

const (
	HeapAllocDebugging = true
	timefmt            = "[01-02 15:04:05.000]"
)

var (
	memstats   runtime.MemStats
	lastAllocs uint64
	timebuf    [len(timefmt) * 2]byte
)

// LogAttrs prints msg and the scalar attrs with the runtime's print builtins
// so that logging itself does not allocate. Heap growth since the previous
// call is reported before the message that follows it.
func LogAttrs(_ *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	reportAllocs(msg)
	n := len(time.Now().AppendFormat(timebuf[:0], timefmt))
	print(unsafe.String(&timebuf[0], n), " ", levelString(level), " ", msg)
	for _, a := range attrs {
		printAttr(a)
	}
	println()
	// Allocations made while printing are not blamed on the next caller.
	runtime.ReadMemStats(&memstats)
	lastAllocs = memstats.TotalAlloc
}

func reportAllocs(before string) {
	runtime.ReadMemStats(&memstats)
	if memstats.TotalAlloc == lastAllocs {
		return
	}
	println("[ALLOC] inc=", int64(memstats.TotalAlloc-lastAllocs), "tot=", memstats.TotalAlloc, "before", before)
	lastAllocs = memstats.TotalAlloc
}

func levelString(level slog.Level) string {
	switch {
	case level == LevelTrace:
		return "TRACE"
	case level < slog.LevelDebug:
		return "TCPIP"
	}
	return level.String()
}

func printAttr(a slog.Attr) {
	switch a.Value.Kind() {
	case slog.KindString:
		print(" ", a.Key, "=", a.Value.String())
	case slog.KindInt64:
		print(" ", a.Key, "=", a.Value.Int64())
	case slog.KindUint64:
		print(" ", a.Key, "=", a.Value.Uint64())
	case slog.KindBool:
		print(" ", a.Key, "=", a.Value.Bool())
	case slog.KindDuration:
		print(" ", a.Key, "=", int64(a.Value.Duration()), "ns")
	}
}
