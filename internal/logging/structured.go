package logging

import (
	"log/slog"
	"os"
)

// newHandler builds a handler at the shared level. Format "json" is
// Loki/ELK compatible; anything else gets the text handler.
func newHandler(format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// InitStructured reconfigures the operational logger once the daemon's
// file configuration is loaded, replacing the env-driven defaults
// applied at init.
func InitStructured(format, level string) {
	SetLevelFromString(level)
	opLogger.Store(slog.New(newHandler(format)))
}
