package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/jhalter/iedfile/internal/iedfile"
	"github.com/jhalter/iedfile/mms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressWriter(t *testing.T) {
	var dst, out bytes.Buffer
	pw := &progressWriter{
		w:        &dst,
		progress: &mms.Progress{Name: "fault1.dat", Size: 2048, Counter: &mms.WriteCounter{}},
		out:      &out,
	}

	n, err := pw.Write(make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, 1024, dst.Len())
	assert.Equal(t, "\rfault1.dat             50%  2.0 KiB", out.String())

	_, err = pw.Write(make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, int64(2048), pw.progress.Counter.Total)
	assert.Contains(t, out.String(), "\rfault1.dat            100%  2.0 KiB")
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		kind mms.OutcomeKind
		want status
	}{
		{mms.OutcomeCompleted, statusOK},
		{mms.OutcomeAbortedByCallback, statusWarn},
		{mms.OutcomeRemoteError, statusFail},
		{mms.OutcomeTransportError, statusFail},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeStatus(tt.kind))
		})
	}
}

func TestRenderHistory(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer

	err := renderHistory(&out, []iedfile.Record{{
		Device:    "ied1:102",
		Name:      "COMTRADE/locked.cfg",
		Size:      3,
		Outcome:   mms.OutcomeRemoteError,
		Error:     "FileOpen: access denied",
		FetchedAt: time.Now(),
	}})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "COMTRADE/locked.cfg")
	assert.Contains(t, out.String(), "access denied")
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.NotEqual(t, "-", formatTime(time.UnixMilli(1700000000000)))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
