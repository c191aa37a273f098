// Package vmlog provides the daemon's leveled stderr logger.
//
// Every line has the form "LEVEL message". DEBUG lines are suppressed unless
// the logger was created with verbose logging enabled.
package vmlog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level identifies a log line's severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
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

// Logger writes "LEVEL message" lines to an io.Writer (stderr in production).
type Logger struct {
	out     *log.Logger
	verbose bool
}

// New creates a Logger writing to w. When verbose is false, Debug/Debugf are
// no-ops.
func New(w io.Writer, verbose bool) *Logger {
	return &Logger{
		out:     log.New(w, "", 0),
		verbose: verbose,
	}
}

// Default creates a Logger writing to os.Stderr.
func Default(verbose bool) *Logger {
	return New(os.Stderr, verbose)
}

func (l *Logger) line(level Level, msg string) {
	l.out.Printf("%s %s", level, msg)
}

func (l *Logger) Debug(msg string) {
	if l.verbose {
		l.line(LevelDebug, msg)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.verbose {
		l.line(LevelDebug, fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Info(msg string) { l.line(LevelInfo, msg) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.line(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(msg string) { l.line(LevelWarn, msg) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.line(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(msg string) { l.line(LevelError, msg) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.line(LevelError, fmt.Sprintf(format, args...))
}

// Verbose reports whether DEBUG lines are being emitted.
func (l *Logger) Verbose() bool { return l.verbose }
