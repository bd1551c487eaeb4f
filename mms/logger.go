package mms

import (
	"io"
	"log/slog"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

var discardLogger Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
