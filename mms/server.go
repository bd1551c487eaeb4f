package mms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one request and returns the params of the reply.  An
// error is sent to the client as an error PDU.
type HandlerFunc func(ctx context.Context, cc *ClientConn, req *PDU) ([]Param, error)

// Server simulates the file services of a device, serving files below
// Config.FileRoot.
type Server struct {
	NetInterface string
	Port         int
	Config       Config
	FS           FileStore // Storage backend to use for File storage
	Logger       *slog.Logger

	// HandshakeTimeout bounds how long a new connection may take to identify
	// itself.  Zero disables the limit.
	HandshakeTimeout time.Duration

	handlers map[Service]HandlerFunc
	charset  *Charset

	statsMu sync.Mutex
	stats   Stats
}

type Option func(*Server)

func WithInterface(netInterface string) Option {
	return func(s *Server) {
		s.NetInterface = netInterface
	}
}

func WithPort(port int) Option {
	return func(s *Server) {
		s.Port = port
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

func WithConfig(config Config) Option {
	return func(s *Server) {
		s.Config = config
	}
}

func WithFileStore(fs FileStore) Option {
	return func(s *Server) {
		s.FS = fs
	}
}

// NewServer constructs a new Server with the file services registered.
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		Port:     DefaultPort,
		FS:       &OSFileStore{},

		HandshakeTimeout: DefaultConnectTimeout,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlers: make(map[Service]HandlerFunc),
		stats:    Stats{Since: time.Now()},
	}

	for _, opt := range options {
		opt(s)
	}

	if s.Config.ChunkSize == 0 {
		s.Config.ChunkSize = DefaultChunkSize
	}
	if s.Config.MaxOpenFiles == 0 {
		s.Config.MaxOpenFiles = DefaultMaxOpenFiles
	}

	var err error
	if s.charset, err = LookupCharset(s.Config.Charset); err != nil {
		return nil, err
	}

	RegisterHandlers(s)

	return s, nil
}

// HandleFunc registers handler for requests of the given service, replacing
// any previous handler.
func (s *Server) HandleFunc(service Service, handler HandlerFunc) {
	s.handlers[service] = handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%v", s.NetInterface, s.Port))
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go func() {
			defer dontPanic(s.Logger)

			if err := s.ServeConn(ctx, conn, conn.RemoteAddr().String()); err != nil {
				s.Logger.Error("Error serving connection", "remoteAddr", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn runs the handshake on rwc and serves its requests until the
// client concludes, disconnects or ctx is cancelled.  rwc is always closed.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser, remoteAddr string) error {
	defer func() { _ = rwc.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = rwc.Close() })
	defer stop()

	deadliner, hasDeadline := rwc.(interface{ SetDeadline(time.Time) error })
	if hasDeadline && s.HandshakeTimeout > 0 {
		_ = deadliner.SetDeadline(time.Now().Add(s.HandshakeTimeout))
	}
	if err := Handshake(rwc); err != nil {
		return fmt.Errorf("perform handshake: %w", err)
	}
	if hasDeadline && s.HandshakeTimeout > 0 {
		_ = deadliner.SetDeadline(time.Time{})
	}

	cc := &ClientConn{
		Connection: rwc,
		RemoteAddr: remoteAddr,
		Server:     s,
		Logger:     s.Logger.With("remoteAddr", remoteAddr),
		files:      make(map[uint32]*openFile),
	}
	defer cc.closeFiles()

	s.updateStats(func(stats *Stats) {
		stats.CurrentlyConnected++
		stats.ConnectionCounter++
		stats.ConnectionPeak = max(stats.ConnectionPeak, stats.CurrentlyConnected)
	})
	defer s.updateStats(func(stats *Stats) { stats.CurrentlyConnected-- })

	cc.Logger.Info("Client connected")

	scanner := newPDUScanner(rwc)
	for scanner.Scan() {
		var req PDU
		if _, err := req.Write(scanner.Bytes()); err != nil {
			return err
		}

		if req.Kind != KindRequest {
			cc.Logger.Debug("Ignoring non-request PDU", "service", req.Service, "kind", req.Kind)
			continue
		}

		reply := s.handle(ctx, cc, &req)
		if _, err := io.Copy(rwc, &reply); err != nil {
			return fmt.Errorf("send %s reply: %w", req.Service, err)
		}

		if req.Service == ServiceConclude {
			cc.Logger.Info("Client concluded session")
			return nil
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		return err
	}

	cc.Logger.Info("Client disconnected")

	return nil
}

func (s *Server) handle(ctx context.Context, cc *ClientConn, req *PDU) PDU {
	handler, ok := s.handlers[req.Service]
	if !ok {
		cc.Logger.Debug("Unsupported service", "service", req.Service)
		return req.errorReply(ErrorCodeServiceNotSupported, "")
	}

	params, err := handler(ctx, cc, req)
	if err != nil {
		code := codeFor(err)
		cc.Logger.Debug("Request failed", "service", req.Service, "code", uint16(code), "err", err)

		var text string
		var se *ServiceError
		if errors.As(err, &se) {
			text = se.Text
		}

		return req.errorReply(code, text)
	}

	cc.Logger.Debug("Request served", "service", req.Service)

	return req.reply(params...)
}

// ClientConn is the server side of one client session.  Requests on a
// ClientConn are served one at a time, so its file table needs no locking.
type ClientConn struct {
	Connection io.ReadWriteCloser
	RemoteAddr string
	Server     *Server
	Logger     *slog.Logger

	files    map[uint32]*openFile
	nextFRSM uint32
}

// openFile is the read state of one FRSM.
type openFile struct {
	name   string
	file   io.ReadSeekCloser
	size   int64
	offset int64
}

func (cc *ClientConn) closeFiles() {
	for frsmID := range cc.files {
		cc.closeFile(frsmID)
	}
}

func (cc *ClientConn) closeFile(frsmID uint32) {
	of := cc.files[frsmID]
	delete(cc.files, frsmID)

	if err := of.file.Close(); err != nil {
		cc.Logger.Error("Error closing file", "name", of.name, "err", err)
	}

	cc.Server.updateStats(func(stats *Stats) {
		stats.OpenFiles--
		if of.offset >= of.size {
			stats.CompletedDownloads++
		}
	})
}

// dontPanic recovers and logs panics instead of crashing
func dontPanic(logger *slog.Logger) {
	if r := recover(); r != nil {
		logger.Error("PANIC", "err", r, "trace", string(debug.Stack()))
	}
}
