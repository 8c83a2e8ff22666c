// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides component-scoped structured logging for the
// sentinel daemon. All log lines carry key/value pairs; components obtain
// a scoped logger via WithComponent.
package logging

import (
	"io"
	"os"
	"sync"

	charm "github.com/charmbracelet/log"
)

// Level controls the minimum severity that gets emitted.
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
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config describes logger behavior.
type Config struct {
	Level  Level
	Format string // "text" or "json"
	Output io.Writer
	Syslog SyslogConfig
}

// DefaultConfig returns a text logger at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger wraps the underlying structured logger.
type Logger struct {
	l *charm.Logger
}

func charmLevel(l Level) charm.Level {
	switch l {
	case LevelDebug:
		return charm.DebugLevel
	case LevelWarn:
		return charm.WarnLevel
	case LevelError:
		return charm.ErrorLevel
	default:
		return charm.InfoLevel
	}
}

// New creates a Logger from cfg. Syslog forwarding, when enabled, duplicates
// output to the remote collector.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
	}

	l := charm.NewWithOptions(out, charm.Options{
		ReportTimestamp: true,
		Level:           charmLevel(cfg.Level),
	})
	if cfg.Format == "json" {
		l.SetFormatter(charm.JSONFormatter)
	}
	return &Logger{l: l}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Called once from main after
// the config is loaded.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// WithComponent returns a logger scoped to the named component.
func WithComponent(name string) *Logger {
	return Default().With("component", name)
}

// With returns a logger that carries the given key/value pairs on every line.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{l: l.l.With(kv...)}
}

// WithError returns a logger carrying err under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return l.With("error", err)
}

func (l *Logger) Debug(msg string, kv ...any) { l.l.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.l.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.l.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.l.Error(msg, kv...) }

// Package-level helpers log through the default logger.

func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
