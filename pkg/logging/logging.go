// Package logging wraps log/slog with size-rotated file output and
// printf-style convenience methods. A nil *Logger is safe to call and
// discards everything, which keeps test wiring short.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time
}

type Config struct {
	Level      string // debug, info, warn, error
	File       string // empty logs human-readable text to stderr
	MaxSizeMB  int
	MaxBackups int
}

func New(cfg Config) *Logger {
	lvl := slog.LevelInfo
	switch cfg.Level {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "%s: invalid log level, using info\n", cfg.Level)
	}

	var h slog.Handler
	if cfg.File != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		if w.MaxSize == 0 {
			w.MaxSize = 32 // MB
		}
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	l := &Logger{
		Logger:  slog.New(h),
		LogFile: cfg.File,
		Start:   time.Now(),
	}
	l.Info("logging started",
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS),
		slog.Int("NumCPUs", runtime.NumCPU()))
	return l
}

// With returns a child logger carrying the given attributes on every line.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{Logger: l.Logger.With(args...), LogFile: l.LogFile, Start: l.Start}
}

// The level methods tolerate a nil receiver so components can run without
// a logger in tests; debug and info are discarded in that case while
// warnings and errors fall through to the slog default.

func (l *Logger) Debugf(format string, args ...any) {
	if l != nil {
		l.Logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l != nil {
		l.Logger.Info(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		slog.Warn(fmt.Sprintf(format, args...))
		return
	}
	l.Logger.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		slog.Error(fmt.Sprintf(format, args...))
		return
	}
	l.Logger.Error(fmt.Sprintf(format, args...))
}
