package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Server, client and monitor all log through these helpers. Session and
// stream messages carry their "[%08x]" / "[%08x][id]" tag as the first word
// of format; per-packet and per-stream chatter goes to LogDebug so the
// default level only shows session lifecycle and failures.

// LogDebug logs relay and stream details, shown only after EnableDebug.
func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

// LogInfo logs session lifecycle events and command requests.
func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess logs a milestone such as the listener or a client connection
// becoming ready.
func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogWarning logs a failure contained to one stream, pump or connection.
func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

// LogError logs a failure the process does not recover from.
func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug shows LogDebug output (the -debug flag or debug: true).
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether LogDebug output is shown. The monitor role
// uses it to decide whether to print the per-session table.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl == pterm.LogLevelDebug || lvl == pterm.LogLevelTrace
}
