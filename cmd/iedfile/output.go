package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jhalter/iedfile/internal/iedfile"
	"github.com/jhalter/iedfile/mms"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"golang.org/x/term"
)

type status int

const (
	statusOK status = iota
	statusWarn
	statusFail
)

var statusColors = map[status]*color.Color{
	statusOK:   color.New(color.FgGreen),
	statusWarn: color.New(color.FgYellow),
	statusFail: color.New(color.FgRed),
}

func printStatus(w io.Writer, s status, format string, args ...any) {
	_, _ = statusColors[s].Fprintf(w, format+"\n", args...)
}

func outcomeStatus(kind mms.OutcomeKind) status {
	switch kind {
	case mms.OutcomeCompleted:
		return statusOK
	case mms.OutcomeAbortedByCallback:
		return statusWarn
	default:
		return statusFail
	}
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithRendition(tw.Rendition{Borders: tw.Border{Left: tw.Pending, Right: tw.Pending, Top: tw.Pending, Bottom: tw.Pending}}),
	)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.MaxWidth = 0
		cfg.Header = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
	})
	table.Header(header...)

	return table
}

func renderDirectory(w io.Writer, entries []mms.FileDirectoryEntry) error {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "Directory is empty")
		return nil
	}

	table := newTable(w, "Name", "Size", "Modified")
	for _, entry := range entries {
		size := formatBytes(int64(entry.Size))
		if entry.IsDir() {
			size = "-"
		}

		if err := table.Append([]string{entry.Name, size, formatTime(entry.LastModified)}); err != nil {
			return err
		}
	}

	return table.Render()
}

func renderHistory(w io.Writer, records []iedfile.Record) error {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No files fetched yet")
		return nil
	}

	table := newTable(w, "Name", "Size", "Modified", "Outcome", "Fetched")
	for _, r := range records {
		outcome := r.Outcome.String()
		if r.Error != "" {
			outcome += ": " + r.Error
		}

		err := table.Append([]string{
			r.Name,
			formatBytes(int64(r.Size)),
			formatTime(r.LastModified),
			statusColors[outcomeStatus(r.Outcome)].Sprint(outcome),
			formatTime(r.FetchedAt),
		})
		if err != nil {
			return err
		}
	}

	return table.Render()
}

func renderReport(w io.Writer, r iedfile.SyncReport) {
	s := statusOK
	if r.Failed > 0 {
		s = statusFail
	}

	printStatus(w, s, "%d fetched (%s), %d unchanged, %d failed", r.Fetched, formatBytes(r.Bytes), r.Skipped, r.Failed)
}

// progressWriter redraws the progress line on out after every write to w.
type progressWriter struct {
	w        io.Writer
	progress *mms.Progress
	out      io.Writer
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	_, _ = pw.progress.Counter.Write(p[:n])
	_, _ = fmt.Fprint(pw.out, "\r"+strings.TrimSuffix(pw.progress.String(), "\n"))

	return n, err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
