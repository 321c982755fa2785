package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the process-wide default logger.
// Format "json" is intended for production; anything else gets a text handler.
func Init(level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl, AddSource: true})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

// NewCallLogger tags a logger with the call it is reporting for.
func NewCallLogger(base *slog.Logger, component, callID string) *slog.Logger {
	return NewComponentLogger(base, component).With(slog.String("call_id", callID))
}
