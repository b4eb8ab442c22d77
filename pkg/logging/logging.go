package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
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

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo // Default to INFO for unknown
	}
}

// ParseLevel converts a config string ("debug", "info", ...) into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger writes subsystem-tagged records through slog. A Logger is cheap to
// copy with With, so every scenario run carries its own instance.
type Logger struct {
	slog *slog.Logger
}

// New creates a text Logger writing to output at the given level.
func New(level LogLevel, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: level.SlogLevel(),
	}
	return &Logger{slog: slog.New(slog.NewTextHandler(output, opts))}
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a Logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Debug logs a debug message.
func (l *Logger) Debug(subsystem string, messageFmt string, args ...interface{}) {
	l.log(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func (l *Logger) Info(subsystem string, messageFmt string, args ...interface{}) {
	l.log(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(subsystem string, messageFmt string, args ...interface{}) {
	l.log(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func (l *Logger) Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	l.log(LevelError, subsystem, err, messageFmt, args...)
}

func (l *Logger) log(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	if l == nil || l.slog == nil {
		return
	}
	if !l.slog.Enabled(context.Background(), level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	var slogAttrs []slog.Attr
	slogAttrs = append(slogAttrs, slog.String("subsystem", subsystem))
	if err != nil {
		slogAttrs = append(slogAttrs, slog.String("error", err.Error()))
	}

	l.slog.LogAttrs(context.Background(), level.SlogLevel(), msg, slogAttrs...)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// InitForCLI initializes the process-wide logger used by the command layer.
// Scenario runs derive their own Logger from it.
func InitForCLI(filterLevel LogLevel, output io.Writer) *Logger {
	logger := New(filterLevel, output)

	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()

	slog.SetDefault(logger.slog) // Set for any global slog calls if necessary
	return logger
}

// Default returns the process-wide logger, initialising a stderr logger at
// INFO if InitForCLI was never called.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	return InitForCLI(LevelInfo, os.Stderr)
}

// Debug logs a debug message on the default logger.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	Default().Debug(subsystem, messageFmt, args...)
}

// Info logs an informational message on the default logger.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	Default().Info(subsystem, messageFmt, args...)
}

// Warn logs a warning message on the default logger.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	Default().Warn(subsystem, messageFmt, args...)
}

// Error logs an error message on the default logger.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	Default().Error(subsystem, err, messageFmt, args...)
}
