package mms

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrorCode is the service error code a device reports in an error PDU.
// Values follow the IEC 61850 client error numbering.
type ErrorCode uint16

const (
	ErrorCodeOK                     ErrorCode = 0
	ErrorCodeNotConnected           ErrorCode = 1
	ErrorCodeConnectionLost         ErrorCode = 3
	ErrorCodeServiceNotSupported    ErrorCode = 4
	ErrorCodeInvalidArgument        ErrorCode = 10
	ErrorCodeTimeout                ErrorCode = 20
	ErrorCodeAccessDenied           ErrorCode = 21
	ErrorCodeFileNotFound           ErrorCode = 22 // object does not exist
	ErrorCodeObjectExists           ErrorCode = 23
	ErrorCodeTemporarilyUnavailable ErrorCode = 26
	ErrorCodeHardwareFault          ErrorCode = 29
	ErrorCodeMalformedMessage       ErrorCode = 34
	ErrorCodeSequenceError          ErrorCode = 35 // read or close of an FRSM that is not open
	ErrorCodeServiceNotImplemented  ErrorCode = 98
	ErrorCodeUnknown                ErrorCode = 99
)

var (
	ErrNotConnected           = errors.New("client is not connected")
	ErrConnectionLost         = errors.New("connection lost")
	ErrServiceNotSupported    = errors.New("service not supported")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrTimeout                = errors.New("request timed out")
	ErrAccessDenied           = errors.New("access denied")
	ErrFileNotFound           = errors.New("file does not exist")
	ErrObjectExists           = errors.New("object already exists")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrHardwareFault          = errors.New("hardware fault")
	ErrMalformedMessage       = errors.New("malformed message")
	ErrSequenceError          = errors.New("file sequence error")
	ErrServiceNotImplemented  = errors.New("service not implemented")
	ErrUnknown                = errors.New("unknown error")
)

// errorCodes pairs each code with its sentinel.  codeFor tries them in this
// order, so an error wrapping several sentinels maps to the first listed.
var errorCodes = []struct {
	code ErrorCode
	err  error
}{
	{ErrorCodeNotConnected, ErrNotConnected},
	{ErrorCodeConnectionLost, ErrConnectionLost},
	{ErrorCodeServiceNotSupported, ErrServiceNotSupported},
	{ErrorCodeInvalidArgument, ErrInvalidArgument},
	{ErrorCodeTimeout, ErrTimeout},
	{ErrorCodeAccessDenied, ErrAccessDenied},
	{ErrorCodeFileNotFound, ErrFileNotFound},
	{ErrorCodeObjectExists, ErrObjectExists},
	{ErrorCodeTemporarilyUnavailable, ErrTemporarilyUnavailable},
	{ErrorCodeHardwareFault, ErrHardwareFault},
	{ErrorCodeMalformedMessage, ErrMalformedMessage},
	{ErrorCodeSequenceError, ErrSequenceError},
	{ErrorCodeServiceNotImplemented, ErrServiceNotImplemented},
	{ErrorCodeUnknown, ErrUnknown},
}

var errorsByCode = func() map[ErrorCode]error {
	m := make(map[ErrorCode]error, len(errorCodes))
	for _, ec := range errorCodes {
		m[ec.code] = ec.err
	}
	return m
}()

// Err returns the sentinel error for the code, or nil for ErrorCodeOK.
func (c ErrorCode) Err() error {
	if c == ErrorCodeOK {
		return nil
	}
	if err, ok := errorsByCode[c]; ok {
		return err
	}
	return ErrUnknown
}

func (c ErrorCode) String() string {
	if c == ErrorCodeOK {
		return "ok"
	}
	return fmt.Sprintf("%d (%v)", uint16(c), c.Err())
}

// ServiceError is a failure reported by the remote device in an error PDU.
type ServiceError struct {
	Service Service
	Code    ErrorCode
	Text    string // Optional detail sent by the device
}

func (e *ServiceError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%s: %v: %s", e.Service, e.Code.Err(), e.Text)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Code.Err())
}

// Is reports whether target is the sentinel error for e's code, so that
// errors.Is(err, ErrFileNotFound) works on device replies.
func (e *ServiceError) Is(target error) bool {
	return e.Code.Err() == target
}

// RemoteCode reports the device error code carried by err.  The second
// return value is false when err did not come from the device, i.e. it is
// a transport failure with no protocol semantics.
func RemoteCode(err error) (ErrorCode, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return ErrorCodeOK, false
}

// codeFor picks the error code a device reports for err.
func codeFor(err error) ErrorCode {
	if code, ok := RemoteCode(err); ok {
		return code
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorCodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorCodeAccessDenied
	case errors.Is(err, fs.ErrExist):
		return ErrorCodeObjectExists
	}

	return ErrorCodeUnknown
}
