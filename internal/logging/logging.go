// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured, leveled logger used across the
// offload engine and its supporting packages.
package logging

import (
	"fmt"
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors charmbracelet/log's level set so callers don't need to
// import that package directly.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) charm() charmlog.Level {
	switch l {
	case DebugLevel:
		return charmlog.DebugLevel
	case WarnLevel:
		return charmlog.WarnLevel
	case ErrorLevel:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Config controls logger construction.
type Config struct {
	Level      Level
	Output     io.Writer
	Prefix     string
	ReportTime bool
	Syslog     SyslogConfig
}

// DefaultConfig returns the logger configuration used when no override is
// supplied: info level, writing to stderr, syslog forwarding disabled.
func DefaultConfig() Config {
	return Config{
		Level:  InfoLevel,
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger wraps a charmbracelet/log logger with the key-value leveled API
// used throughout this module, and optionally mirrors records to a syslog
// writer.
type Logger struct {
	base   *charmlog.Logger
	syslog io.Writer
}

// New constructs a Logger from cfg. If cfg.Syslog.Enabled, records are also
// written, best-effort, to a syslog destination; a dial failure there is
// logged locally and does not prevent Logger construction.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	base := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           cfg.Level.charm(),
		Prefix:          cfg.Prefix,
		ReportTimestamp: cfg.ReportTime,
	})

	l := &Logger{base: base}

	if cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(cfg.Syslog)
		if err != nil {
			base.Warn("syslog forwarding disabled", "error", err)
		} else {
			l.syslog = w
		}
	}

	return l
}

// With returns a derived Logger that always includes the given key-value
// pairs, the same pattern charmbracelet/log exposes on its own logger.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{base: l.base.With(keyvals...), syslog: l.syslog}
}

func (l *Logger) mirror(level, msg string, keyvals ...any) {
	if l.syslog == nil {
		return
	}
	line := level + ": " + msg
	for i := 0; i+1 < len(keyvals); i += 2 {
		line += " "
		line += toString(keyvals[i])
		line += "="
		line += toString(keyvals[i+1])
	}
	_, _ = io.WriteString(l.syslog, line+"\n")
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	l.base.Debug(msg, keyvals...)
	l.mirror("debug", msg, keyvals...)
}

func (l *Logger) Info(msg string, keyvals ...any) {
	l.base.Info(msg, keyvals...)
	l.mirror("info", msg, keyvals...)
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	l.base.Warn(msg, keyvals...)
	l.mirror("warn", msg, keyvals...)
}

func (l *Logger) Error(msg string, keyvals ...any) {
	l.base.Error(msg, keyvals...)
	l.mirror("error", msg, keyvals...)
}
