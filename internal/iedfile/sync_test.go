package iedfile

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhalter/iedfile/mms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeviceFile(t *testing.T, root, name string, data []byte) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// connectSimulator serves root over a pipe and returns a client session.
func connectSimulator(t *testing.T, root string) *mms.Conn {
	t.Helper()

	srv, err := mms.NewServer(mms.WithConfig(mms.Config{FileRoot: root, ChunkSize: 512}))
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	go func() { _ = srv.ServeConn(context.Background(), serverSide, "pipe") }()

	conn, err := mms.NewConn(clientSide, mms.NewSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestSyncer_Sync(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	outDir := t.TempDir()

	files := map[string][]byte{
		"COMTRADE/fault1.cfg": []byte("station,ied1\n"),
		"COMTRADE/fault1.dat": bytes.Repeat([]byte{0x5A}, 3000),
		"COMTRADE/fault2.cfg": []byte("station,ied1\n2\n"),
	}
	for name, data := range files {
		writeDeviceFile(t, root, name, data)
	}
	writeDeviceFile(t, root, "COMTRADE/archive/old.cfg", []byte("old"))

	syncer := &Syncer{
		Conn:    connectSimulator(t, root),
		Catalog: openTestCatalog(t),
		Device:  "ied1:102",
		OutDir:  outDir,
	}

	report, err := syncer.Sync(ctx, "COMTRADE")
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Fetched: 3, Bytes: 3000 + 13 + 15}, report)

	for name, data := range files {
		got, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, data, got, name)
	}
	assert.NoDirExists(t, filepath.Join(outDir, "COMTRADE", "archive"))

	t.Run("unchanged files are skipped", func(t *testing.T) {
		report, err := syncer.Sync(ctx, "COMTRADE")
		require.NoError(t, err)
		assert.Equal(t, SyncReport{Skipped: 3}, report)
	})

	t.Run("changed files are fetched again", func(t *testing.T) {
		writeDeviceFile(t, root, "COMTRADE/fault2.cfg", []byte("station,ied1\n2\n3\n"))
		later := time.Now().Add(time.Minute)
		require.NoError(t, os.Chtimes(filepath.Join(root, "COMTRADE", "fault2.cfg"), later, later))

		report, err := syncer.Sync(ctx, "COMTRADE")
		require.NoError(t, err)
		assert.Equal(t, SyncReport{Fetched: 1, Skipped: 2, Bytes: 17}, report)

		rec, found, err := syncer.Catalog.Lookup(ctx, "ied1:102", "COMTRADE/fault2.cfg")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, mms.OutcomeCompleted, rec.Outcome)
		assert.Equal(t, uint32(17), rec.Size)
	})
}

func TestSyncer_Sync_cancelled(t *testing.T) {
	root := t.TempDir()
	writeDeviceFile(t, root, "a.cfg", []byte("abc"))

	syncer := &Syncer{
		Conn:    connectSimulator(t, root),
		Catalog: openTestCatalog(t),
		Device:  "ied1:102",
		OutDir:  t.TempDir(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := syncer.Sync(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SyncReport{}, report)
	assert.NoFileExists(t, filepath.Join(syncer.OutDir, "a.cfg"))
}

func TestSyncer_Sync_cancelledMidDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device := &scriptedDevice{
		entries: []mms.FileDirectoryEntry{{Name: "a.cfg", Size: 3}, {Name: "b.cfg", Size: 3}},
		content: map[string][]byte{"a.cfg": []byte("aaa"), "b.cfg": []byte("bbb")},
		onRead:  cancel,
	}
	outDir := t.TempDir()

	syncer := &Syncer{Conn: device, Catalog: openTestCatalog(t), Device: "ied1:102", OutDir: outDir}

	report, err := syncer.Sync(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SyncReport{}, report)

	rec, found, err := syncer.Catalog.Lookup(context.Background(), "ied1:102", "a.cfg")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, mms.OutcomeAbortedByCallback, rec.Outcome)

	_, found, err = syncer.Catalog.Lookup(context.Background(), "ied1:102", "b.cfg")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// scriptedDevice lists a fixed directory and refuses to open some files.
type scriptedDevice struct {
	entries []mms.FileDirectoryEntry
	refuse  map[string]mms.ErrorCode
	content map[string][]byte
	lost    error
	onRead  func() // Called before each read is answered

	open  string
	reads int
}

func (d *scriptedDevice) FileDirectory(_, _ string) ([]mms.FileDirectoryEntry, bool, error) {
	return d.entries, false, nil
}

func (d *scriptedDevice) FileOpen(name string, _ uint32) (mms.FileOpenResult, error) {
	if code, ok := d.refuse[name]; ok {
		return mms.FileOpenResult{}, &mms.ServiceError{Service: mms.ServiceFileOpen, Code: code}
	}
	d.open = name
	d.reads = 0
	return mms.FileOpenResult{FRSMID: 1, FileSize: uint32(len(d.content[name]))}, nil
}

func (d *scriptedDevice) FileRead(_ uint32) ([]byte, bool, error) {
	if d.lost != nil {
		return nil, false, d.lost
	}
	if d.onRead != nil {
		d.onRead()
	}
	d.reads++
	return d.content[d.open], false, nil
}

func (d *scriptedDevice) FileClose(_ uint32) error {
	return nil
}

func TestSyncer_Sync_deviceErrors(t *testing.T) {
	ctx := context.Background()
	modified := time.UnixMilli(1700000000000).UTC()

	device := &scriptedDevice{
		entries: []mms.FileDirectoryEntry{
			{Name: "a.cfg", Size: 3, LastModified: modified},
			{Name: "locked.cfg", Size: 3, LastModified: modified},
			{Name: "z.cfg", Size: 3, LastModified: modified},
		},
		refuse:  map[string]mms.ErrorCode{"locked.cfg": mms.ErrorCodeAccessDenied},
		content: map[string][]byte{"a.cfg": []byte("aaa"), "z.cfg": []byte("zzz")},
	}

	syncer := &Syncer{Conn: device, Catalog: openTestCatalog(t), Device: "ied1:102", OutDir: t.TempDir()}

	report, err := syncer.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Fetched: 2, Failed: 1, Bytes: 6}, report)

	rec, found, err := syncer.Catalog.Lookup(ctx, "ied1:102", "locked.cfg")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, mms.OutcomeRemoteError, rec.Outcome)
	assert.Contains(t, rec.Error, "access denied")
	assert.NoFileExists(t, filepath.Join(syncer.OutDir, "locked.cfg"))

	// The refused file is retried on the next run.
	delete(device.refuse, "locked.cfg")
	device.content["locked.cfg"] = []byte("lll")

	report, err = syncer.Sync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Fetched: 1, Skipped: 2, Bytes: 3}, report)
}

func TestSyncer_Sync_transportError(t *testing.T) {
	device := &scriptedDevice{
		entries: []mms.FileDirectoryEntry{{Name: "a.cfg", Size: 3}, {Name: "b.cfg", Size: 3}},
		content: map[string][]byte{},
		lost:    errors.Join(mms.ErrConnectionLost, errors.New("reset by peer")),
	}
	outDir := t.TempDir()

	syncer := &Syncer{Conn: device, Catalog: openTestCatalog(t), Device: "ied1:102", OutDir: outDir}

	report, err := syncer.Sync(context.Background(), "")
	assert.ErrorIs(t, err, mms.ErrConnectionLost)
	assert.Equal(t, SyncReport{Failed: 1}, report)

	// No partial or temporary files are left behind.
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.cfg", "a.cfg"},
		{"/COMTRADE/fault1.cfg", filepath.Join("COMTRADE", "fault1.cfg")},
		{`LD0\COMTRADE\fault1.cfg`, filepath.Join("LD0", "COMTRADE", "fault1.cfg")},
		{"../../etc/passwd", filepath.Join("etc", "passwd")},
		{"./", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LocalName(tt.name))
		})
	}
}
