package mms

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_resolvePath(t *testing.T) {
	root := filepath.FromSlash("/srv/ied")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "file in root", input: "a.cfg", want: filepath.Join(root, "a.cfg")},
		{name: "nested file", input: "COMTRADE/fault1.dat", want: filepath.Join(root, "COMTRADE", "fault1.dat")},
		{name: "leading slash", input: "/COMTRADE/fault1.dat", want: filepath.Join(root, "COMTRADE", "fault1.dat")},
		{name: "backslash separators", input: `COMTRADE\fault1.dat`, want: filepath.Join(root, "COMTRADE", "fault1.dat")},
		{name: "root", input: "", want: root},
		{name: "parent escape", input: "../etc/passwd", wantErr: ErrAccessDenied},
		{name: "nested parent escape", input: `COMTRADE\..\..\x`, wantErr: ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePath(root, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_deviceName(t *testing.T) {
	assert.Equal(t, "a.cfg", deviceName("", "a.cfg"))
	assert.Equal(t, "a.cfg", deviceName("/", "a.cfg"))
	assert.Equal(t, "COMTRADE/a.cfg", deviceName("/COMTRADE/", "a.cfg"))
	assert.Equal(t, "LD0/COMTRADE/a.cfg", deviceName(`LD0\COMTRADE`, "a.cfg"))
}
