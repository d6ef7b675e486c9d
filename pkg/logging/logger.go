package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARNING", "warning", "WARN", "warn":
		return WARNING
	case "ERROR", "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes leveled records to stdout and the shared run log. Each
// record is a single line of the form
//
//	2006-01-02 15:04:05 - <name> - <LEVEL> - <message>
//
// which is the exact shape the metrics aggregator parses back. The logger is
// constructed once per process and passed down explicitly; there is no
// package-level default. File writes are whole lines in append mode, so
// concurrent workers sharing one log file interleave at line granularity.
type Logger struct {
	name    string
	level   Level
	mu      sync.Mutex
	output  io.Writer
	logFile *os.File
}

// New creates a logger that writes to stdout only.
func New(name string, level Level) *Logger {
	return &Logger{
		name:   name,
		level:  level,
		output: os.Stdout,
	}
}

// NewFileLogger creates a logger that appends to logPath and mirrors to
// stdout. The parent directory is created if needed.
func NewFileLogger(name, logPath string, level Level) (*Logger, error) {
	if dir := filepath.Dir(logPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	return &Logger{
		name:    name,
		level:   level,
		output:  io.MultiWriter(logFile, os.Stdout),
		logFile: logFile,
	}, nil
}

// Named returns a logger sharing this logger's sinks under a different name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		name:    name,
		level:   l.level,
		output:  l.output,
		logFile: l.logFile,
	}
}

// SetOutput sets the output writer (used by tests).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	message := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.output, "%s - %s - %s - %s\n", timestamp, l.name, level.String(), message)
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warningf logs a warning message
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.log(WARNING, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}
