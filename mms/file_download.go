package mms

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

type downloadSink struct {
	w   io.Writer
	n   int64
	err error
}

func writeChunk(state any, buf []byte, bytesRead int) bool {
	sink := state.(*downloadSink)

	n, err := sink.w.Write(buf[:bytesRead])
	sink.n += int64(n)
	if err == nil && n < bytesRead {
		err = io.ErrShortWrite
	}
	if err != nil {
		sink.err = err
		return false
	}

	return true
}

// DownloadTo streams fileName from the device into w and returns the number
// of bytes written.  A failed or short write stops the transfer, and that
// write error is returned in preference to any protocol error.
func DownloadTo(conn Connection, fileName string, w io.Writer, opts ...SessionOption) (int64, error) {
	sink := &downloadSink{w: w}

	outcome := Download(conn, fileName, writeChunk, sink, opts...)
	if sink.err != nil {
		return sink.n, sink.err
	}

	return sink.n, outcome.Err()
}

// ReadFile downloads fileName and returns its contents.
func ReadFile(conn Connection, fileName string, opts ...SessionOption) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := DownloadTo(conn, fileName, &buf, opts...); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// WriteCounter counts the bytes written through it.
type WriteCounter struct {
	Total int64
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	wc.Total += int64(len(p))
	return len(p), nil
}

// Progress renders the state of a download for terminal output.
type Progress struct {
	Name    string
	Size    int64 // Expected size, 0 if unknown
	Counter *WriteCounter
}

func (p *Progress) String() string {
	var received int64
	if p.Counter != nil {
		received = p.Counter.Total
	}

	if p.Size <= 0 {
		return fmt.Sprintf("%-21s %8s\n", p.Name, humanize.IBytes(uint64(received)))
	}

	pct := received * 100 / p.Size
	return fmt.Sprintf("%-21s %3d%% %8s\n", p.Name, pct, humanize.IBytes(uint64(p.Size)))
}
