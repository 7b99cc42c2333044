package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Raimguzhinov/davstore/pkg/logger/slogpretty"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// Logger -.
type Logger struct {
	*slog.Logger
}

type options struct {
	out  io.Writer
	file *lumberjack.Logger
}

type Option func(*options)

// Output replaces stdout, mostly for tests.
func Output(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// File duplicates records into a size-rotated log file.
func File(path string, maxSizeMB, maxBackups int) Option {
	return func(o *options) {
		if path == "" {
			return
		}
		o.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}
}

// New -.
func New(level, env string, opts ...Option) *Logger {
	o := &options{out: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}
	out := o.out
	if o.file != nil {
		out = io.MultiWriter(o.out, o.file)
	}

	lev := ParseLevel(level)

	var logger *slog.Logger

	switch env {
	case envLocal:
		logger = setupPrettySlog(out, lev)
	case envDev:
		logger = slog.New(
			slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lev}),
		)
	case envProd:
		logger = slog.New(
			slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		logger = slog.New(
			slog.NewTextHandler(out, &slog.HandlerOptions{Level: lev}),
		)
	}

	return &Logger{logger}
}

// Discard drops every record.
func Discard() *Logger {
	return &Logger{slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func setupPrettySlog(out io.Writer, level slog.Level) *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: level,
		},
	}

	handler := opts.NewPrettyHandler(out)

	return slog.New(handler)
}

// With keeps the wrapper type so components can scope their logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

func Query(q string) slog.Attr {
	return slog.Attr{
		Key:   "query",
		Value: slog.StringValue(slogpretty.PrettySQL(q)),
	}
}
