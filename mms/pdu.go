package mms

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

const (
	tpktVersion  = 0x03
	pduHeaderLen = 12     // fixed length of the header before the variable length params
	maxPDULen    = 0xFFFF // TPKT length is a uint16
)

// PDUKind distinguishes requests from their replies.
type PDUKind byte

const (
	KindRequest  PDUKind = 0
	KindResponse PDUKind = 1
	KindError    PDUKind = 2
)

// Service identifies the requested file service.
type Service byte

// Service codes borrowed from the MMS confirmed service request tags.
const (
	ServiceFileOpen      Service = 0x48 // 72
	ServiceFileRead      Service = 0x49 // 73
	ServiceFileClose     Service = 0x4A // 74
	ServiceFileDelete    Service = 0x4C // 76
	ServiceFileDirectory Service = 0x4D // 77
	ServiceConclude      Service = 0x8B // 139
)

var serviceNames = map[Service]string{
	ServiceFileOpen:      "FileOpen",
	ServiceFileRead:      "FileRead",
	ServiceFileClose:     "FileClose",
	ServiceFileDelete:    "FileDelete",
	ServiceFileDirectory: "FileDirectory",
	ServiceConclude:      "Conclude",
}

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Service(0x%02X)", byte(s))
}

func (s Service) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// PDU is a single framed protocol data unit.
//
// Every PDU starts with a TPKT header (RFC 1006) so captures line up with
// the usual ISO-on-TCP dissectors:
//
//	Description		Size	Note
//	TPKT version	1		Always 3
//	Reserved		1		0
//	Length			2		Total PDU length, header included
//	Kind			1		Request (0), response (1) or error (2)
//	Service			1		File service code
//	Invoke ID		4		Chosen by the requester, echoed in the reply
//	Param count		2		Number of params that follow
type PDU struct {
	Version    byte
	Reserved   byte
	Length     [2]byte
	Kind       PDUKind
	Service    Service
	InvokeID   [4]byte
	ParamCount [2]byte
	Params     []Param

	readOffset int // Internal offset to track read progress
}

// NewPDU creates a request PDU for the service with the given params.
func NewPDU(service Service, params ...Param) PDU {
	return PDU{
		Version: tpktVersion,
		Kind:    KindRequest,
		Service: service,
		Params:  params,
	}
}

// reply builds a response PDU carrying the same invoke ID as p.
func (p *PDU) reply(params ...Param) PDU {
	return PDU{
		Version:  tpktVersion,
		Kind:     KindResponse,
		Service:  p.Service,
		InvokeID: p.InvokeID,
		Params:   params,
	}
}

// errorReply builds an error PDU for p carrying the service error code.
func (p *PDU) errorReply(code ErrorCode, text string) PDU {
	params := []Param{NewUint16Param(ParamErrorCode, uint16(code))}
	if text != "" {
		params = append(params, NewParam(ParamErrorText, []byte(text)))
	}

	return PDU{
		Version:  tpktVersion,
		Kind:     KindError,
		Service:  p.Service,
		InvokeID: p.InvokeID,
		Params:   params,
	}
}

// serviceError converts an error PDU into a *ServiceError.
func (p *PDU) serviceError() error {
	f := p.GetParam(ParamErrorCode)
	code, err := f.DecodeUint()
	if err != nil {
		return fmt.Errorf("%w: error reply without code", ErrMalformedMessage)
	}

	return &ServiceError{
		Service: p.Service,
		Code:    ErrorCode(code),
		Text:    string(p.GetParam(ParamErrorText).Data),
	}
}

// Write implements io.Writer for PDU.
// PDUs read from the network are read as complete tokens with a bufio.Scanner, so
// the arg b is guaranteed to have the full byte payload of a complete PDU.
func (p *PDU) Write(b []byte) (n int, err error) {
	if len(b) < pduHeaderLen {
		return 0, fmt.Errorf("%w: buffer too small", ErrMalformedMessage)
	}
	if b[0] != tpktVersion {
		return 0, fmt.Errorf("%w: unsupported TPKT version %d", ErrMalformedMessage, b[0])
	}

	pduLen := int(binary.BigEndian.Uint16(b[2:4]))
	if pduLen < pduHeaderLen || pduLen > len(b) {
		return 0, fmt.Errorf("%w: invalid PDU length %d", ErrMalformedMessage, pduLen)
	}

	p.Version = b[0]
	p.Reserved = b[1]
	copy(p.Length[:], b[2:4])
	p.Kind = PDUKind(b[4])
	p.Service = Service(b[5])
	copy(p.InvokeID[:], b[6:10])
	copy(p.ParamCount[:], b[10:12])

	paramCount := int(binary.BigEndian.Uint16(p.ParamCount[:]))

	buf := b[pduHeaderLen:pduLen]
	p.Params = p.Params[:0]
	for i := 0; i < paramCount; i++ {
		var param Param
		n, err := param.Write(buf)
		if err != nil {
			return 0, fmt.Errorf("%w: param %d of %d: %w", ErrMalformedMessage, i+1, paramCount, err)
		}
		p.Params = append(p.Params, param)
		buf = buf[n:]
	}

	if len(buf) != 0 {
		return 0, fmt.Errorf("%w: %d trailing param bytes", ErrMalformedMessage, len(buf))
	}

	return pduLen, nil
}

// Read implements io.Reader for PDU.
func (p *PDU) Read(b []byte) (int, error) {
	buf, err := p.marshal()
	if err != nil {
		return 0, err
	}

	if p.readOffset >= len(buf) {
		return 0, io.EOF // All bytes have been read
	}

	n := copy(b, buf[p.readOffset:])
	p.readOffset += n

	return n, nil
}

func (p *PDU) marshal() ([]byte, error) {
	var params bytes.Buffer
	for _, param := range p.Params {
		prm := param
		if _, err := params.ReadFrom(&prm); err != nil {
			return nil, fmt.Errorf("error reading param: %w", err)
		}
	}

	total := pduHeaderLen + params.Len()
	if total > maxPDULen {
		return nil, fmt.Errorf("PDU length %d exceeds %d", total, maxPDULen)
	}

	binary.BigEndian.PutUint16(p.Length[:], uint16(total))
	binary.BigEndian.PutUint16(p.ParamCount[:], uint16(len(p.Params)))

	return slices.Concat(
		[]byte{tpktVersion, 0},
		p.Length[:],
		[]byte{byte(p.Kind), byte(p.Service)},
		p.InvokeID[:],
		p.ParamCount[:],
		params.Bytes(),
	), nil
}

// GetParam returns the first param with the given tag, or a zero Param.
func (p *PDU) GetParam(tag ParamTag) Param {
	for _, param := range p.Params {
		if param.Tag == tag {
			return param
		}
	}

	return Param{}
}

// GetParams returns every param with the given tag in PDU order.
func (p *PDU) GetParams(tag ParamTag) []Param {
	var params []Param
	for _, param := range p.Params {
		if param.Tag == tag {
			params = append(params, param)
		}
	}

	return params
}

// pduScanner implements bufio.SplitFunc for parsing a byte stream into complete PDU tokens.
func pduScanner(data []byte, _ bool) (advance int, token []byte, err error) {
	// The bytes that contain the PDU length are 2:4, so we need at least 4 bytes
	if len(data) < 4 {
		return 0, nil, nil
	}

	if data[0] != tpktVersion {
		return 0, nil, fmt.Errorf("%w: unsupported TPKT version %d", ErrMalformedMessage, data[0])
	}

	pduLen := int(binary.BigEndian.Uint16(data[2:4]))
	if pduLen < pduHeaderLen {
		return 0, nil, fmt.Errorf("%w: invalid PDU length %d", ErrMalformedMessage, pduLen)
	}
	if pduLen > len(data) {
		return 0, nil, nil
	}

	return pduLen, data[0:pduLen], nil
}

func newPDUScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxPDULen)
	scanner.Split(pduScanner)

	return scanner
}
