package mms

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type handshake struct {
	Protocol [4]byte // Must be 0x49454446 IEDF
	Version  [2]byte // Currently 1
}

var (
	iedf             = [4]byte{0x49, 0x45, 0x44, 0x46}
	protocolVersion  = [2]byte{0x00, 0x01}
	ClientHandshake  = []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x01}
	handshakeOKReply = []byte{0x49, 0x45, 0x44, 0x46, 0x00, 0x00, 0x00, 0x00}
)

// Handshake
// After the TCP connection is established the client identifies the protocol
// and version it speaks; the device accepts or rejects it before any PDU flows.
//
// The following information is sent to the device:
// Description		Size	Data	Note
// Protocol ID		4		IEDF	0x49454446
// Version			2		1		Currently 1
//
// The device replies with the following:
// Description		Size	Data	Note
// Protocol ID		4		IEDF
// Error code		4				0 = accepted
//
// Handshake performs the device side of the exchange.
func Handshake(rw io.ReadWriter) error {
	buf := make([]byte, len(ClientHandshake))
	if _, err := io.ReadFull(rw, buf); err != nil {
		return err
	}

	var h handshake
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &h); err != nil {
		return err
	}

	if h.Protocol != iedf {
		return errors.New("invalid handshake")
	}

	if h.Version != protocolVersion {
		reply := binary.BigEndian.AppendUint32(iedf[:], uint32(ErrorCodeServiceNotSupported))
		_, _ = rw.Write(reply)
		return fmt.Errorf("unsupported protocol version %x", h.Version)
	}

	_, err := rw.Write(handshakeOKReply)
	return err
}

// clientHandshake performs the client side of the exchange.
func clientHandshake(rw io.ReadWriter) error {
	if _, err := rw.Write(ClientHandshake); err != nil {
		return fmt.Errorf("handshake write err: %w", err)
	}

	replyBuf := make([]byte, len(handshakeOKReply))
	if _, err := io.ReadFull(rw, replyBuf); err != nil {
		return fmt.Errorf("handshake read err: %w", err)
	}

	if bytes.Equal(replyBuf, handshakeOKReply) {
		return nil
	}

	// In the case of an error, client and server close the connection.
	return fmt.Errorf("unexpected handshake response: %x", replyBuf)
}
