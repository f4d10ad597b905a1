//go:build !debugheaplog

package internal

import (
	"context"
	"log/slog"
)

// HeapAllocDebugging is set by the debugheaplog build tag, which enables all
// log levels and swaps LogAttrs for a non-allocating printer.
const HeapAllocDebugging = false

// LogAttrs logs through l. A nil l discards the record.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	l.LogAttrs(context.Background(), level, msg, attrs...)
}
