// Package obslog is the core's ambient structured logging. The Session
// emits run_id/session_id-tagged log lines through it; the Loop and the
// tool executor do not log. WithTool and WithPhase add tool_call_id and
// phase fields for callers that want them. There is no payload-redaction
// layer here — this module never handles raw chat-transport payloads
// carrying user secrets — and no separate request-ID context key.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Config configures a Logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Format is "json" or "text". Defaults to "json".
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource includes file:line in each record.
	AddSource bool
}

// Logger wraps an *slog.Logger with the module's field conventions.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRun returns a child logger pre-populated with run_id and
// session_id, the two fields every Session run log line carries.
func (l *Logger) WithRun(sessionID, runID string) *Logger {
	return &Logger{Logger: l.Logger.With("session_id", sessionID, "run_id", runID)}
}

// WithTool returns a child logger additionally tagged with tool_call_id
// and tool_name.
func (l *Logger) WithTool(toolCallID, toolName string) *Logger {
	return &Logger{Logger: l.Logger.With("tool_call_id", toolCallID, "tool_name", toolName)}
}

// WithPhase returns a child logger tagged with the loop phase (see
// internal/loop.Phase), used to correlate log lines with the turn state
// machine.
func (l *Logger) WithPhase(phase string) *Logger {
	return &Logger{Logger: l.Logger.With("phase", phase)}
}

// Default returns a JSON logger at info level writing to stdout.
func Default() *Logger {
	return New(Config{})
}

// ctxKey namespaces this package's context keys.
type ctxKey struct{ name string }

var loggerKey = ctxKey{"obslog.logger"}

// WithContext stashes l in ctx for handlers that only have a context.Context.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves a Logger stashed by WithContext, or Default() if
// none is present.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
		return l
	}
	return Default()
}
