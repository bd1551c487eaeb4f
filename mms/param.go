package mms

import (
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"time"
)

const minParamLen = 4

// ParamTag identifies the meaning of a PDU param.
type ParamTag [2]byte

var (
	ParamFileName        = ParamTag{0x00, 0x01} // File or directory name, charset encoded
	ParamInitialPosition = ParamTag{0x00, 0x02} // Byte offset to start reading from
	ParamFRSMID          = ParamTag{0x00, 0x03} // File read state machine ID assigned by the device
	ParamFileSize        = ParamTag{0x00, 0x04}
	ParamLastModified    = ParamTag{0x00, 0x05} // Milliseconds since the Unix epoch, UTC
	ParamFileData        = ParamTag{0x00, 0x06}
	ParamMoreFollows     = ParamTag{0x00, 0x07}
	ParamContinueAfter   = ParamTag{0x00, 0x08}
	ParamDirectoryEntry  = ParamTag{0x00, 0x09}
	ParamErrorCode       = ParamTag{0x00, 0x64}
	ParamErrorText       = ParamTag{0x00, 0x65}
)

// Param is a tag-length-value element of a PDU.
type Param struct {
	Tag  ParamTag
	Size [2]byte // Size of the data
	Data []byte

	readOffset int // Internal offset to track read progress
}

func NewParam(tag ParamTag, data []byte) Param {
	p := Param{
		Tag:  tag,
		Data: make([]byte, len(data)),
	}

	// Copy instead of assigning so the caller may reuse data.
	copy(p.Data, data)

	binary.BigEndian.PutUint16(p.Size[:], uint16(len(data)))
	return p
}

func NewUint16Param(tag ParamTag, v uint16) Param {
	return NewParam(tag, binary.BigEndian.AppendUint16(nil, v))
}

func NewUint32Param(tag ParamTag, v uint32) Param {
	return NewParam(tag, binary.BigEndian.AppendUint32(nil, v))
}

func NewBoolParam(tag ParamTag, v bool) Param {
	if v {
		return NewParam(tag, []byte{1})
	}
	return NewParam(tag, []byte{0})
}

func NewTimeParam(tag ParamTag, t time.Time) Param {
	return NewParam(tag, binary.BigEndian.AppendUint64(nil, uint64(t.UnixMilli())))
}

// DecodeUint decodes the param data as a big endian unsigned integer.
// Devices are free to send small values in the narrowest width that fits.
func (p *Param) DecodeUint() (uint64, error) {
	switch len(p.Data) {
	case 1:
		return uint64(p.Data[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(p.Data)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(p.Data)), nil
	case 8:
		return binary.BigEndian.Uint64(p.Data), nil
	}

	return 0, errors.New("unknown byte length")
}

func (p *Param) DecodeBool() bool {
	v, err := p.DecodeUint()
	return err == nil && v != 0
}

func (p *Param) DecodeTime() (time.Time, error) {
	ms, err := p.DecodeUint()
	if err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(int64(ms)).UTC(), nil
}

// Read implements io.Reader for Param
func (p *Param) Read(b []byte) (int, error) {
	buf := slices.Concat(p.Tag[:], p.Size[:], p.Data)

	if p.readOffset >= len(buf) {
		return 0, io.EOF // All bytes have been read
	}

	n := copy(b, buf[p.readOffset:])
	p.readOffset += n

	return n, nil
}

// Write implements io.Writer for Param.  It consumes exactly one param from b
// and reports how many bytes that was; any bytes after it are left alone.
func (p *Param) Write(b []byte) (int, error) {
	if len(b) < minParamLen {
		return 0, errors.New("input slice too short")
	}

	copy(p.Tag[:], b[0:2])
	copy(p.Size[:], b[2:4])

	dataSize := int(binary.BigEndian.Uint16(p.Size[:]))
	if len(b) < minParamLen+dataSize {
		return 0, errors.New("input slice too short for data size")
	}

	p.Data = make([]byte, dataSize)
	copy(p.Data, b[4:4+dataSize])

	return minParamLen + dataSize, nil
}
