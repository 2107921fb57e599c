package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

// The operational logger is usable before any configuration is loaded:
// library consumers of the transport packages and the daemon's own
// early start-up both log through it, so init honors the daemon's env
// overrides (VHOSTD_LOG_LEVEL, VHOSTD_LOG_FORMAT) directly and
// InitStructured re-applies the file-config values later.
func init() {
	logLevel.Set(slog.LevelInfo)
	SetLevelFromString(os.Getenv("VHOSTD_LOG_LEVEL"))
	opLogger.Store(slog.New(newHandler(os.Getenv("VHOSTD_LOG_FORMAT"))))
}

// Op returns the operational logger for reactor/endpoint/daemon logs.
// Per-connection lifecycle events go through ConnectionLogger instead.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string: "debug", "info",
// "warn" or "error". Unknown values (including "") leave the level
// unchanged.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}
