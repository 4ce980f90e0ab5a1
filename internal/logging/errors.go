package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for files written under a log directory.
const (
	maxLogSizeMB   = 10
	maxLogBackups  = 3
	maxLogAgeDays  = 14
	compressOldLog = true
)

// ErrorLogger writes component diagnostics to a local, size-rotated file.
// This keeps a record when remote logging destinations are unreachable.
type ErrorLogger struct {
	out    io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// NewErrorLogger creates a logger that appends to the file at path.
// Lines are also copied to each mirror writer, e.g. os.Stderr inside a
// container so they reach the runtime's log driver.
func NewErrorLogger(path string, mirror ...io.Writer) (*ErrorLogger, error) {
	file, err := newRotatingFile(path)
	if err != nil {
		return nil, err
	}

	out := io.Writer(file)
	if len(mirror) > 0 {
		out = io.MultiWriter(append([]io.Writer{file}, mirror...)...)
	}
	return &ErrorLogger{out: out, closer: file}, nil
}

// NewStreamLogger creates a logger that writes to w and owns no file.
func NewStreamLogger(w io.Writer) *ErrorLogger {
	return &ErrorLogger{out: w}
}

// LogError writes an error entry.
func (l *ErrorLogger) LogError(component, operation string, err error) {
	l.writeLine(component, fmt.Sprintf("%s: %v", operation, err))
}

// LogErrorf writes a formatted error entry.
func (l *ErrorLogger) LogErrorf(component, format string, args ...any) {
	l.writeLine(component, fmt.Sprintf(format, args...))
}

// LogInfof writes a formatted informational entry.
func (l *ErrorLogger) LogInfof(component, format string, args ...any) {
	l.writeLine(component, "INFO "+fmt.Sprintf(format, args...))
}

func (l *ErrorLogger) writeLine(component, msg string) {
	if l == nil || l.out == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format(time.RFC3339)
	_, _ = fmt.Fprintf(l.out, "%s [%s] %s\n", timestamp, component, msg)
}

// Close closes the underlying file, if any.
func (l *ErrorLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closer.Close()
}

// ProcessOutput returns a rotated file writer for a child process's
// combined stdout and stderr, stored as <dir>/<component>.log.
func ProcessOutput(dir, component string) (io.WriteCloser, error) {
	return newRotatingFile(filepath.Join(dir, component+".log"))
}

func newRotatingFile(path string) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   compressOldLog,
	}, nil
}
