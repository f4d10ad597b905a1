package internal

import "log/slog"

// LevelTrace is used for per-frame logging that is too noisy for debug.
const LevelTrace = slog.LevelDebug - 2
