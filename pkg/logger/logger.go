package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

type Logger struct {
	info  *log.Logger
	error *log.Logger
	debug *log.Logger
}

var Default = New()

func New() *Logger {
	return &Logger{
		info:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		error: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

// NewToDir builds a Logger that writes all three levels to
// agent.log under dir, in addition to the standard stdout/stderr
// streams, so operators get both a tailable console and a durable
// record for the CLI's -l flag.
func NewToDir(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: creating log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: opening log file: %w", err)
	}
	return &Logger{
		info:  log.New(io.MultiWriter(os.Stdout, f), "[INFO] ", log.LstdFlags),
		error: log.New(io.MultiWriter(os.Stderr, f), "[ERROR] ", log.LstdFlags),
		debug: log.New(io.MultiWriter(os.Stdout, f), "[DEBUG] ", log.LstdFlags),
	}, nil
}

// Std returns a plain *log.Logger at the info level, for components
// that take a standard library logger instead of this package's
// leveled wrapper (most of the hot-path code does, matching how the
// rest of this codebase logs).
func (l *Logger) Std() *log.Logger {
	return l.info
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.debug.Printf(format, v...)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}
