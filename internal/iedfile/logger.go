package iedfile

import (
	"io"
	"log/slog"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSize    = 100 // MB
	logMaxBackups = 3
	logMaxAge     = 365 // days
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"error": slog.LevelError,
}

// NewLogger returns a text logger writing to w and, when logFile is set, to a
// rotated log file.
func NewLogger(w io.Writer, logLevel, logFile string) *slog.Logger {
	if logFile != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAge,
		})
	}

	return slog.New(
		slog.NewTextHandler(
			w,
			&slog.HandlerOptions{
				Level: logLevels[logLevel],
				ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey {
						// Remove the milliseconds from the time field to save a few columns.
						a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
					}
					return a
				},
			},
		),
	)
}
