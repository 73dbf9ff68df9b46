// Package logging provides the leveled component logger used across the
// daemon. Output format: "<RFC3339> <LEVEL> <component>: <message>".
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type Logger struct {
	component string
	level     Level
	out       *log.Logger
}

func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		component: component,
		level:     level,
		out:       log.New(w, "", 0),
	}
}

// NewFile opens logs/<component>.log under baseDir for appending. The
// returned closer owns the file handle.
func NewFile(baseDir, component string, level Level) (*Logger, io.Closer, error) {
	logPath := filepath.Join(baseDir, "logs", component+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", logPath, err)
	}
	return New(f, component, level), f, nil
}

// WithComponent returns a logger sharing the same sink and level under a
// different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, level: l.level, out: l.out}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}
