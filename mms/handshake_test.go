package mms

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockReadWriter struct {
	RBuf bytes.Buffer
	WBuf *bytes.Buffer
}

func (mrw *mockReadWriter) Read(p []byte) (n int, err error) {
	return mrw.RBuf.Read(p)
}

func (mrw *mockReadWriter) Write(p []byte) (n int, err error) {
	return mrw.WBuf.Write(p)
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name      string
		input     []byte
		wantReply []byte
		wantErr   assert.ErrorAssertionFunc
	}{
		{
			name:      "valid handshake",
			input:     []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x01},
			wantReply: []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x00, 0x00, 0x00},
			wantErr:   assert.NoError,
		},
		{
			name:      "unsupported version",
			input:     []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x02},
			wantReply: []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x00, 0x00, 0x04},
			wantErr:   assert.Error,
		},
		{
			name:      "wrong protocol",
			input:     []byte{0x54, 0x52, 0x54, 0x50, 0x00, 0x01},
			wantReply: nil,
			wantErr:   assert.Error,
		},
		{
			name:      "connection closed early",
			input:     []byte{0x49, 0x45},
			wantReply: nil,
			wantErr:   assert.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := &mockReadWriter{WBuf: &bytes.Buffer{}}
			rw.RBuf.Write(tt.input)

			tt.wantErr(t, Handshake(rw))
			assert.Equal(t, tt.wantReply, rw.WBuf.Bytes())
		})
	}
}

func Test_clientHandshake(t *testing.T) {
	tests := []struct {
		name    string
		reply   []byte
		wantErr assert.ErrorAssertionFunc
	}{
		{name: "accepted", reply: handshakeOKReply, wantErr: assert.NoError},
		{name: "rejected", reply: []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x00, 0x00, 0x04}, wantErr: assert.Error},
		{name: "no reply", reply: nil, wantErr: assert.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := &mockReadWriter{WBuf: &bytes.Buffer{}}
			rw.RBuf.Write(tt.reply)

			tt.wantErr(t, clientHandshake(rw))
			assert.Equal(t, ClientHandshake, rw.WBuf.Bytes())
		})
	}
}

var _ io.ReadWriter = (*mockReadWriter)(nil)
