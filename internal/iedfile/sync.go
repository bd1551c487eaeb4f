package iedfile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jhalter/iedfile/mms"
)

// DeviceConn is what a Syncer needs from a device session.
type DeviceConn interface {
	mms.Connection
	mms.DirectoryLister
}

// SyncReport summarizes one Sync run.
type SyncReport struct {
	Fetched int
	Skipped int
	Failed  int
	Bytes   int64
}

// Syncer mirrors a device directory into a local directory, downloading only
// files that changed since the last completed fetch.
type Syncer struct {
	Conn    DeviceConn
	Catalog *Catalog
	Device  string // Catalog key for the device, usually host:port
	OutDir  string
	Logger  *slog.Logger
}

type fetchState struct {
	ctx context.Context
	w   io.Writer
	err error
}

func fetchChunk(state any, buf []byte, bytesRead int) bool {
	fs := state.(*fetchState)
	if fs.ctx.Err() != nil {
		return false
	}

	if _, err := fs.w.Write(buf[:bytesRead]); err != nil {
		fs.err = err
		return false
	}

	return true
}

// Sync fetches every changed file in dir.  A device error on one file is
// counted and the sync moves on; a transport failure, a local write failure
// or cancellation of ctx ends the sync.
func (s *Syncer) Sync(ctx context.Context, dir string) (SyncReport, error) {
	var report SyncReport

	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	entries, err := mms.GetFileDirectory(s.Conn, dir)
	if err != nil {
		return report, fmt.Errorf("list %q: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if entry.IsDir() {
			continue
		}

		rec, found, err := s.Catalog.Lookup(ctx, s.Device, entry.Name)
		if err != nil {
			return report, err
		}
		if found && rec.Unchanged(entry) {
			logger.Debug("File unchanged", "name", entry.Name)
			report.Skipped++
			continue
		}

		outcome, err := s.fetch(ctx, logger, entry)
		if err != nil {
			return report, err
		}

		rec = Record{
			Device:        s.Device,
			Name:          entry.Name,
			Size:          entry.Size,
			LastModified:  entry.LastModified,
			Outcome:       outcome.Kind,
			BytesReceived: outcome.BytesReceived,
			FetchedAt:     time.Now(),
		}
		if outcome.Cause != nil {
			rec.Error = outcome.Cause.Error()
		}
		// The outcome is recorded even when ctx was cancelled mid-download.
		if err := s.Catalog.Put(context.WithoutCancel(ctx), rec); err != nil {
			return report, err
		}

		switch outcome.Kind {
		case mms.OutcomeCompleted:
			report.Fetched++
			report.Bytes += outcome.BytesReceived
		case mms.OutcomeAbortedByCallback:
			return report, ctx.Err()
		case mms.OutcomeRemoteError:
			logger.Error("Device refused file", "name", entry.Name, "code", uint16(outcome.Code), "err", outcome.Cause)
			report.Failed++
		case mms.OutcomeTransportError:
			report.Failed++
			return report, outcome.Err()
		}
	}

	return report, nil
}

// fetch downloads entry into a temporary file that replaces the local copy
// only once the download completed.
func (s *Syncer) fetch(ctx context.Context, logger *slog.Logger, entry mms.FileDirectoryEntry) (mms.Outcome, error) {
	target := filepath.Join(s.OutDir, LocalName(entry.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return mms.Outcome{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".iedfile-*")
	if err != nil {
		return mms.Outcome{}, err
	}

	state := &fetchState{ctx: ctx, w: tmp}
	outcome := mms.Download(s.Conn, entry.Name, fetchChunk, state, mms.WithSessionLogger(logger))

	closeErr := tmp.Close()
	if outcome.Kind != mms.OutcomeCompleted || state.err != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())

		if state.err != nil {
			return outcome, fmt.Errorf("write %s: %w", target, state.err)
		}
		if closeErr != nil {
			return outcome, fmt.Errorf("write %s: %w", target, closeErr)
		}
		return outcome, nil
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return outcome, err
	}
	_ = os.Chtimes(target, entry.LastModified, entry.LastModified)

	return outcome, nil
}

// LocalName converts a device file name into a relative local path that
// cannot leave the output directory.
func LocalName(name string) string {
	var segments []string
	for _, segment := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		switch segment {
		case "", ".", "..":
			continue
		}
		segments = append(segments, segment)
	}

	if len(segments) == 0 {
		return "_"
	}

	return filepath.Join(segments...)
}
