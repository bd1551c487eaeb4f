package mms

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultPort           = 102 // ISO transport over TCP
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Settings controls how a Conn reaches and talks to a device.
type Settings struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration // Covers TCP connect and handshake
	RequestTimeout time.Duration // Covers one request and its reply
	Charset        string        // Encoding of file names on the wire
}

func NewSettings() Settings {
	return Settings{
		Port:           DefaultPort,
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		Charset:        DefaultCharset,
	}
}

func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type ConnOption func(*Conn)

func WithConnLogger(logger Logger) ConnOption {
	return func(c *Conn) {
		c.Logger = logger
	}
}

// Conn is an established client session with a device.  It implements
// Connection and DirectoryLister.  Requests are serialized: a Conn may be
// shared between goroutines but carries one exchange at a time.
type Conn struct {
	Connection net.Conn
	Logger     Logger

	settings Settings
	charset  *Charset
	scanner  *bufio.Scanner
	invokeID uint32

	mu     sync.Mutex
	closed bool
	broken error // First transport failure; the session is unusable after it
}

// Dial connects to the device described by settings and completes the
// handshake.
func Dial(ctx context.Context, settings Settings, opts ...ConnOption) (*Conn, error) {
	dialer := net.Dialer{Timeout: settings.ConnectTimeout}

	nc, err := dialer.DialContext(ctx, "tcp", settings.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", settings.Addr(), err)
	}

	return NewConn(nc, settings, opts...)
}

// NewConn performs the client handshake over an already established
// connection.  nc is closed if the handshake fails.
func NewConn(nc net.Conn, settings Settings, opts ...ConnOption) (*Conn, error) {
	charset, err := LookupCharset(settings.Charset)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	c := &Conn{
		Connection: nc,
		Logger:     discardLogger,
		settings:   settings,
		charset:    charset,
		scanner:    newPDUScanner(nc),
	}
	for _, opt := range opts {
		opt(c)
	}

	if settings.ConnectTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(settings.ConnectTimeout))
	}
	if err := clientHandshake(nc); err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	c.Logger.Debug("Connected to device", "addr", nc.RemoteAddr(), "charset", charset.Name())

	return c, nil
}

func (c *Conn) Charset() *Charset {
	return c.charset
}

// exchange sends req and waits for the reply carrying the same invoke ID.
// An error PDU is returned as a *ServiceError.
func (c *Conn) exchange(req PDU) (*PDU, error) {
	if c == nil {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exchangeLocked(req)
}

func (c *Conn) exchangeLocked(req PDU) (*PDU, error) {
	if c.closed {
		return nil, ErrNotConnected
	}
	if c.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, c.broken)
	}

	c.invokeID++
	binary.BigEndian.PutUint32(req.InvokeID[:], c.invokeID)

	if c.settings.RequestTimeout > 0 {
		_ = c.Connection.SetDeadline(time.Now().Add(c.settings.RequestTimeout))
		defer func() { _ = c.Connection.SetDeadline(time.Time{}) }()
	}

	n, err := io.Copy(c.Connection, &req)
	if err != nil {
		return nil, c.fail(err)
	}
	c.Logger.Debug("Sent request", "service", req.Service, "invokeID", c.invokeID, "sentBytes", n)

	for c.scanner.Scan() {
		var reply PDU
		if _, err := reply.Write(c.scanner.Bytes()); err != nil {
			return nil, c.fail(err)
		}

		if reply.InvokeID != req.InvokeID || reply.Kind == KindRequest {
			c.Logger.Debug("Discarding unexpected PDU", "service", reply.Service, "kind", reply.Kind)
			continue
		}

		if reply.Service != req.Service {
			return nil, c.fail(fmt.Errorf("%w: %s reply to %s request", ErrMalformedMessage, reply.Service, req.Service))
		}

		if reply.Kind == KindError {
			return nil, reply.serviceError()
		}

		return &reply, nil
	}

	err = c.scanner.Err()
	if err == nil {
		err = io.EOF
	}

	return nil, c.fail(err)
}

// fail records a transport failure and maps it onto the error taxonomy.
func (c *Conn) fail(err error) error {
	c.broken = err

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, ErrMalformedMessage):
		return err
	}

	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

func (c *Conn) encodeName(name string) ([]byte, error) {
	if c == nil {
		return nil, ErrNotConnected
	}

	b, err := c.charset.Encode(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return b, nil
}

func requireUint(p *PDU, tag ParamTag) (uint64, error) {
	param := p.GetParam(tag)
	v, err := param.DecodeUint()
	if err != nil {
		return 0, fmt.Errorf("%w: %s reply param %x: %w", ErrMalformedMessage, p.Service, tag, err)
	}

	return v, nil
}

// FileOpen asks the device to open name for reading at initialPosition.
func (c *Conn) FileOpen(name string, initialPosition uint32) (FileOpenResult, error) {
	encoded, err := c.encodeName(name)
	if err != nil {
		return FileOpenResult{}, err
	}

	reply, err := c.exchange(NewPDU(ServiceFileOpen,
		NewParam(ParamFileName, encoded),
		NewUint32Param(ParamInitialPosition, initialPosition),
	))
	if err != nil {
		return FileOpenResult{}, err
	}

	frsmID, err := requireUint(reply, ParamFRSMID)
	if err != nil {
		return FileOpenResult{}, err
	}
	size, err := requireUint(reply, ParamFileSize)
	if err != nil {
		return FileOpenResult{}, err
	}

	result := FileOpenResult{FRSMID: uint32(frsmID), FileSize: uint32(size)}

	// Devices without a real time clock omit the modification time.
	if p := reply.GetParam(ParamLastModified); len(p.Data) > 0 {
		if result.LastModified, err = p.DecodeTime(); err != nil {
			return FileOpenResult{}, fmt.Errorf("%w: last modified: %w", ErrMalformedMessage, err)
		}
	}

	return result, nil
}

// FileRead fetches the next chunk of an open file.
func (c *Conn) FileRead(frsmID uint32) ([]byte, bool, error) {
	reply, err := c.exchange(NewPDU(ServiceFileRead, NewUint32Param(ParamFRSMID, frsmID)))
	if err != nil {
		return nil, false, err
	}

	more, err := requireUint(reply, ParamMoreFollows)
	if err != nil {
		return nil, false, err
	}

	return reply.GetParam(ParamFileData).Data, more != 0, nil
}

// FileClose releases the device's read state for frsmID.
func (c *Conn) FileClose(frsmID uint32) error {
	_, err := c.exchange(NewPDU(ServiceFileClose, NewUint32Param(ParamFRSMID, frsmID)))
	return err
}

// FileDelete removes a file on the device.
func (c *Conn) FileDelete(name string) error {
	encoded, err := c.encodeName(name)
	if err != nil {
		return err
	}

	_, err = c.exchange(NewPDU(ServiceFileDelete, NewParam(ParamFileName, encoded)))
	return err
}

// FileDirectory requests one page of the listing of dir, starting after the
// entry named continueAfter.  An empty dir lists the device's root.
func (c *Conn) FileDirectory(dir, continueAfter string) ([]FileDirectoryEntry, bool, error) {
	var params []Param
	if dir != "" {
		encoded, err := c.encodeName(dir)
		if err != nil {
			return nil, false, err
		}
		params = append(params, NewParam(ParamFileName, encoded))
	}
	if continueAfter != "" {
		encoded, err := c.encodeName(continueAfter)
		if err != nil {
			return nil, false, err
		}
		params = append(params, NewParam(ParamContinueAfter, encoded))
	}

	reply, err := c.exchange(NewPDU(ServiceFileDirectory, params...))
	if err != nil {
		return nil, false, err
	}

	var entries []FileDirectoryEntry
	for _, p := range reply.GetParams(ParamDirectoryEntry) {
		var entry FileDirectoryEntry
		if err := entry.decode(p.Data, c.charset); err != nil {
			return nil, false, err
		}
		entries = append(entries, entry)
	}

	more, err := requireUint(reply, ParamMoreFollows)
	if err != nil {
		return nil, false, err
	}

	return entries, more != 0, nil
}

// Invalidate takes c out of service after a protocol violation.  The
// underlying connection is closed so the device releases whatever it holds
// open for this session; later requests fail with ErrConnectionLost.
func (c *Conn) Invalidate(cause error) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.broken != nil {
		return
	}

	c.broken = cause
	_ = c.Connection.Close()
	c.Logger.Debug("Connection invalidated", "err", cause)
}

// Close concludes the session and closes the underlying connection.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if c.broken == nil {
		if _, err := c.exchangeLocked(NewPDU(ServiceConclude)); err != nil {
			c.Logger.Debug("Conclude failed", "err", err)
		}
	}
	c.closed = true

	err := c.Connection.Close()
	if c.broken != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
