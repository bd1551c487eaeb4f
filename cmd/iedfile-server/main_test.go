package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/jhalter/iedfile/internal/iedfile"
	"github.com/jhalter/iedfile/mms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyDir(t *testing.T) {
	dstDir := t.TempDir()

	err := copyDir("iedfile/config", dstDir)
	require.NoError(t, err)

	expectedFiles := []string{
		"config.yaml",
		"Files/README.txt",
		"Files/COMTRADE/sample.cfg",
		"Files/COMTRADE/sample.dat",
	}
	for _, expectedFile := range expectedFiles {
		fullPath := path.Join(dstDir, expectedFile)
		assert.FileExists(t, fullPath, "Expected file %s to exist", expectedFile)

		info, err := os.Stat(fullPath)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0), "File %s should not be empty", expectedFile)
	}

	info, err := os.Stat(path.Join(dstDir, "Files", "COMTRADE"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, info.Mode()&0500 == 0500, "Directory should be readable and executable")

	// The copied template is a loadable config that points at its Files dir.
	config, err := iedfile.LoadServerConfig(path.Join(dstDir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, path.Join(dstDir, "Files"), config.FileRoot)
	assert.Equal(t, mms.DefaultChunkSize, config.ChunkSize)
}

func TestCopyDirNonexistentSource(t *testing.T) {
	err := copyDir("nonexistent/directory", t.TempDir())
	assert.ErrorContains(t, err, "failed to read source directory")
}

func TestCopyFileErrors(t *testing.T) {
	t.Run("source file does not exist", func(t *testing.T) {
		err := copyFile("nonexistent.txt", path.Join(t.TempDir(), "dest.txt"))
		assert.ErrorContains(t, err, "failed to open source file")
	})

	t.Run("destination directory does not exist", func(t *testing.T) {
		err := copyFile("iedfile/config/config.yaml", path.Join(t.TempDir(), "missing", "dest.txt"))
		assert.ErrorContains(t, err, "failed to create destination file")
	})
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(originalDir) }()
	require.NoError(t, os.Chdir(tmpDir))

	t.Run("finds existing directory", func(t *testing.T) {
		require.NoError(t, os.Mkdir("config", 0755))
		assert.Equal(t, "config", findConfigPath())
	})
}

func TestAPIHandler_RenderStats(t *testing.T) {
	srv, err := mms.NewServer(mms.WithConfig(mms.Config{FileRoot: t.TempDir()}))
	require.NoError(t, err)

	sh := APIHandler{srv: srv}
	rec := httptest.NewRecorder()
	sh.RenderStats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "CurrentlyConnected")
	assert.Contains(t, stats, "BytesServed")
}
