package logger

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/Raimguzhinov/davstore/pkg/logger/slogpretty"
)

const queryLog = "Query"

func NewTracer(l *Logger) pgx.QueryTracer {
	return &tracelog.TraceLog{
		Logger:   &Logger{l.Logger},
		LogLevel: tracelog.LogLevelTrace,
	}
}

func (l *Logger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	if msg != queryLog {
		return
	}
	attrs := make([]slog.Attr, 0, 3)
	if sql, ok := data["sql"].(string); ok {
		attrs = append(attrs, slog.String("sql", slogpretty.PrettySQL(sql)))
	}
	if d, ok := data["time"]; ok {
		attrs = append(attrs, slog.Any("duration", d))
	}
	if err, ok := data["err"].(error); ok {
		attrs = append(attrs, Err(err))
	}
	l.Logger.LogAttrs(ctx, translateLevel(level), "pgx."+msg, attrs...)
}

func translateLevel(level tracelog.LogLevel) slog.Level {
	switch level {
	case tracelog.LogLevelTrace:
		return slog.LevelDebug
	case tracelog.LogLevelDebug:
		return slog.LevelDebug
	case tracelog.LogLevelInfo:
		return slog.LevelDebug
	case tracelog.LogLevelWarn:
		return slog.LevelWarn
	case tracelog.LogLevelError:
		return slog.LevelError
	case tracelog.LogLevelNone:
		return slog.LevelError
	default:
		return slog.LevelError
	}
}
