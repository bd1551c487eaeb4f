package iedfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhalter/iedfile/mms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestLoadServerConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    func(dir string) *mms.Config
		wantErr string
	}{
		{
			name:    "defaults fill unset values",
			content: "FileRoot: files\n",
			want: func(dir string) *mms.Config {
				return &mms.Config{
					FileRoot:     filepath.Join(dir, "files"),
					ChunkSize:    mms.DefaultChunkSize,
					MaxOpenFiles: mms.DefaultMaxOpenFiles,
					Charset:      mms.DefaultCharset,
				}
			},
		},
		{
			name: "every value set",
			content: `
FileRoot: /srv/ied
ChunkSize: 8192
MaxOpenFiles: 2
Charset: gb18030
`,
			want: func(string) *mms.Config {
				return &mms.Config{FileRoot: "/srv/ied", ChunkSize: 8192, MaxOpenFiles: 2, Charset: "gb18030"}
			},
		},
		{
			name:    "missing file root",
			content: "ChunkSize: 1024\n",
			wantErr: "validate config",
		},
		{
			name:    "chunk size too large for a PDU",
			content: "FileRoot: files\nChunkSize: 70000\n",
			wantErr: "validate config",
		},
		{
			name:    "unknown charset",
			content: "FileRoot: files\nCharset: klingon\n",
			wantErr: "Charset must be a WHATWG encoding label such as utf-8 or gb18030 (got: klingon)",
		},
		{
			name:    "not YAML",
			content: "FileRoot: [",
			wantErr: "unmarshal YAML",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)

			got, err := LoadServerConfig(path)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want(filepath.Dir(path)), got)
		})
	}
}

func TestLoadServerConfig_missingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read file")
}

func TestLoadClientConfig(t *testing.T) {
	path := writeConfig(t, `
Host: 10.0.0.5
RequestTimeout: 30s
Charset: gb18030
OutDir: records
CatalogPath: /var/lib/iedfile.db
Directory: COMTRADE
`)

	got, err := LoadClientConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", got.Host)
	assert.Equal(t, mms.DefaultPort, got.Port)
	assert.Equal(t, mms.DefaultConnectTimeout, got.ConnectTimeout)
	assert.Equal(t, 30*time.Second, got.RequestTimeout)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "records"), got.OutDir)
	assert.Equal(t, "/var/lib/iedfile.db", got.CatalogPath)
	assert.Equal(t, "COMTRADE", got.Directory)
	assert.NoError(t, got.Validate())

	settings := got.Settings()
	assert.Equal(t, "10.0.0.5:102", settings.Addr())
	assert.Equal(t, "gb18030", settings.Charset)
}

func TestLoadClientConfig_defaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent.yaml")} {
		got, err := LoadClientConfig(path)
		require.NoError(t, err)

		want := DefaultClientConfig()
		assert.Equal(t, &want, got)

		// No host has been given yet.
		assert.Error(t, got.Validate())
	}
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ClientConfig)
		wantErr assert.ErrorAssertionFunc
	}{
		{name: "valid", modify: func(c *ClientConfig) {}, wantErr: assert.NoError},
		{name: "port out of range", modify: func(c *ClientConfig) { c.Port = 70000 }, wantErr: assert.Error},
		{name: "negative timeout", modify: func(c *ClientConfig) { c.RequestTimeout = -time.Second }, wantErr: assert.Error},
		{name: "unknown charset", modify: func(c *ClientConfig) { c.Charset = "klingon" }, wantErr: assert.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultClientConfig()
			c.Host = "ied1"
			tt.modify(&c)

			tt.wantErr(t, c.Validate())
		})
	}
}
