// Package logging provides a leveled logger with colored output, timestamps
// and named child loggers for each component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs debug messages and above.
	LevelDebug
	// LevelTrace logs every frame and state transition.
	LevelTrace
)

var levelNames = [...]string{"ERROR", "WARN", "INFO", "DEBUG", "TRACE"}

// String returns the string representation of the log level.
func (l Level) String() string {
	if l < LevelError || l > LevelTrace {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

var levelColors = [...]string{colorRed, colorYellow, colorGreen, colorCyan, colorGray}

// sink is the output shared by a logger and all of its named children.
type sink struct {
	mu        sync.Mutex
	level     Level
	output    io.Writer
	useColor  bool
	timestamp string // format string for timestamps
}

// Logger provides leveled logging with optional color support.
// Loggers returned by Named share level and output with their parent.
type Logger struct {
	*sink
	name string
}

// NewLogger creates a new logger with the specified level.
// Color output is automatically enabled if writing to a terminal.
func NewLogger(level Level) *Logger {
	return &Logger{sink: &sink{
		level:     level,
		output:    os.Stdout,
		useColor:  isTTY(os.Stdout),
		timestamp: "2006-01-02 15:04:05.000",
	}}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	l := NewLogger(LevelError)
	l.output = io.Discard
	l.useColor = false
	return l
}

// Named returns a child logger whose messages are prefixed with component.
// Nested names are joined with a dot.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.name != "" {
		name = l.name + "." + component
	}
	return &Logger{sink: l.sink, name: name}
}

// Name returns the component name, or "" for the root logger.
func (l *Logger) Name() string {
	return l.name
}

// SetOutput sets the output writer for the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	// Re-evaluate color support based on new output
	if f, ok := w.(*os.File); ok {
		l.useColor = isTTY(f)
	} else {
		l.useColor = false
	}
}

// SetColorEnabled explicitly enables or disables color output.
func (l *Logger) SetColorEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.useColor = enabled
}

// SetLevel changes the logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level <= l.GetLevel()
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	timestamp := time.Now().Format(l.timestamp)
	message := fmt.Sprintf(format, args...)
	if l.name != "" {
		message = l.name + ": " + message
	}

	levelStr := level.String()
	if l.useColor {
		fmt.Fprintf(l.output, "%s [%s%s%s]  %s\n", timestamp, levelColors[level], levelStr, colorReset, message)
	} else {
		fmt.Fprintf(l.output, "%s [%s]  %s\n", timestamp, levelStr, message)
	}
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message (most verbose).
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// Stats logs a statistics line regardless of level.
func (l *Logger) Stats(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format(l.timestamp)
	message := fmt.Sprintf(format, args...)

	if l.useColor {
		fmt.Fprintf(l.output, "%s [%sSTATS%s] %s\n", timestamp, colorBold, colorReset, message)
	} else {
		fmt.Fprintf(l.output, "%s [STATS] %s\n", timestamp, message)
	}
}

// ParseLevel parses a string into a Level.
// Valid values: error, warn, info, debug, trace (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q: must be error, warn, info, debug, or trace", s)
	}
}

// isTTY checks if the given file is a terminal.
func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
