package mms

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileOpenResult describes a file the device opened for reading.
type FileOpenResult struct {
	FRSMID       uint32 // File read state machine ID, valid until FileClose
	FileSize     uint32
	LastModified time.Time
}

// Connection is the established session a download runs over.  The caller
// owns it; a download borrows it and never closes it.
//
// Errors returned by the primitives are classified with RemoteCode: a
// *ServiceError is a device-reported failure, anything else is a transport
// failure after which the connection is not used again by the download.
type Connection interface {
	FileOpen(name string, initialPosition uint32) (FileOpenResult, error)
	FileRead(frsmID uint32) (data []byte, moreFollows bool, err error)
	FileClose(frsmID uint32) error
}

// invalidator is implemented by connections that can be taken out of service
// when the session detects a protocol violation the transport did not.
type invalidator interface {
	Invalidate(cause error)
}

// ChunkHandler receives each chunk in transfer order.  buf is only valid for
// the duration of the call; copy it to keep it.  Returning false aborts the
// download.
type ChunkHandler func(state any, buf []byte, bytesRead int) bool

// OutcomeKind is the terminal result of one download.
type OutcomeKind uint8

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeAbortedByCallback
	OutcomeRemoteError
	OutcomeTransportError
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeCompleted:         "completed",
	OutcomeAbortedByCallback: "aborted",
	OutcomeRemoteError:       "remote error",
	OutcomeTransportError:    "transport error",
}

func (k OutcomeKind) String() string {
	return outcomeNames[k]
}

// Outcome is produced exactly once per download.
type Outcome struct {
	Kind  OutcomeKind
	Code  ErrorCode // Device error code, set for OutcomeRemoteError
	Cause error     // Set for OutcomeRemoteError and OutcomeTransportError
	State any       // The callback state passed to Download

	FileSize      uint32 // Size announced by the device when the file was opened
	Chunks        int
	BytesReceived int64
}

// Err returns nil when the download completed or the callback aborted it,
// and the failure otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeCompleted, OutcomeAbortedByCallback:
		return nil
	}
	return o.Cause
}

func (o Outcome) String() string {
	if o.Cause != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Cause)
	}
	return o.Kind.String()
}

// SessionState tracks a FileTransferSession through its download.
type SessionState uint8

const (
	StateIdle SessionState = iota
	StateRequesting
	StateStreaming
	StateCompleting
	StateAborting
	StateFailing
	StateCompleted
	StateAbortedByCallback
	StateRemoteError
	StateTransportError
)

var stateNames = map[SessionState]string{
	StateIdle:              "idle",
	StateRequesting:        "requesting",
	StateStreaming:         "streaming",
	StateCompleting:        "completing",
	StateAborting:          "aborting",
	StateFailing:           "failing",
	StateCompleted:         "completed",
	StateAbortedByCallback: "aborted",
	StateRemoteError:       "remote error",
	StateTransportError:    "transport error",
}

func (s SessionState) String() string {
	return stateNames[s]
}

// Terminal reports whether s is one of the four absorbing states.
func (s SessionState) Terminal() bool {
	return s >= StateCompleted
}

var terminalStates = map[OutcomeKind]SessionState{
	OutcomeCompleted:         StateCompleted,
	OutcomeAbortedByCallback: StateAbortedByCallback,
	OutcomeRemoteError:       StateRemoteError,
	OutcomeTransportError:    StateTransportError,
}

type SessionOption func(*FileTransferSession)

func WithSessionLogger(logger Logger) SessionOption {
	return func(s *FileTransferSession) {
		s.logger = logger
	}
}

// WithInitialPosition resumes a download at the given byte offset.
func WithInitialPosition(offset uint32) SessionOption {
	return func(s *FileTransferSession) {
		s.initialPosition = offset
	}
}

// WithMaxChunkSize rejects chunks larger than n bytes as a protocol violation.
func WithMaxChunkSize(n int) SessionOption {
	return func(s *FileTransferSession) {
		s.maxChunkSize = n
	}
}

// FileTransferSession drives a single file download.  It is not reusable:
// once Run has produced an outcome, further calls return that same outcome
// without touching the connection.
type FileTransferSession struct {
	ID string

	conn     Connection
	fileName string
	onChunk  ChunkHandler
	state    any

	logger          Logger
	initialPosition uint32
	maxChunkSize    int

	current SessionState
	outcome Outcome
}

func NewFileTransferSession(conn Connection, fileName string, onChunk ChunkHandler, state any, opts ...SessionOption) *FileTransferSession {
	s := &FileTransferSession{
		ID:       uuid.NewString(),
		conn:     conn,
		fileName: fileName,
		onChunk:  onChunk,
		state:    state,
		logger:   discardLogger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Download retrieves fileName over conn, calling onChunk with state for every
// chunk the device sends.  It blocks until the transfer reaches a terminal
// outcome.
func Download(conn Connection, fileName string, onChunk ChunkHandler, state any, opts ...SessionOption) Outcome {
	return NewFileTransferSession(conn, fileName, onChunk, state, opts...).Run()
}

func (s *FileTransferSession) State() SessionState {
	return s.current
}

// Run performs the download.  It must not be called from the session's own
// chunk handler.
func (s *FileTransferSession) Run() Outcome {
	if s.current.Terminal() {
		return s.outcome
	}
	if s.current != StateIdle {
		return Outcome{
			Kind:  OutcomeTransportError,
			Cause: fmt.Errorf("%w: session %s is %s", ErrInvalidArgument, s.ID, s.current),
			State: s.state,
		}
	}

	s.outcome.State = s.state

	if s.fileName == "" {
		return s.fail(fmt.Errorf("%w: empty file name", ErrInvalidArgument))
	}
	if s.onChunk == nil {
		return s.fail(fmt.Errorf("%w: nil chunk handler", ErrInvalidArgument))
	}
	if s.conn == nil {
		return s.fail(ErrNotConnected)
	}

	s.logger.Debug("File download requested", "session", s.ID, "file", s.fileName, "offset", s.initialPosition)

	s.current = StateRequesting
	file, err := s.conn.FileOpen(s.fileName, s.initialPosition)
	if err != nil {
		return s.fail(err)
	}
	s.outcome.FileSize = file.FileSize

	s.current = StateStreaming
	for {
		data, moreFollows, err := s.conn.FileRead(file.FRSMID)
		if err != nil {
			return s.failOpen(file.FRSMID, err)
		}

		if s.maxChunkSize > 0 && len(data) > s.maxChunkSize {
			err := fmt.Errorf("%w: %d byte chunk exceeds limit of %d", ErrMalformedMessage, len(data), s.maxChunkSize)
			if inv, ok := s.conn.(invalidator); ok {
				inv.Invalidate(err)
			}
			return s.fail(err)
		}

		// An empty final read only signals end of file.
		if len(data) > 0 {
			s.outcome.Chunks++
			s.outcome.BytesReceived += int64(len(data))

			if !s.onChunk(s.state, data, len(data)) {
				return s.abort(file.FRSMID)
			}
		}

		if !moreFollows {
			break
		}
	}

	s.current = StateCompleting
	if err := s.conn.FileClose(file.FRSMID); err != nil {
		s.logger.Error("File close after download failed", "session", s.ID, "file", s.fileName, "err", err)
	}

	return s.finish(OutcomeCompleted, ErrorCodeOK, nil)
}

func (s *FileTransferSession) abort(frsmID uint32) Outcome {
	s.current = StateAborting
	if err := s.conn.FileClose(frsmID); err != nil {
		s.logger.Error("File close after abort failed", "session", s.ID, "file", s.fileName, "err", err)
	}

	return s.finish(OutcomeAbortedByCallback, ErrorCodeOK, nil)
}

// failOpen handles a failure while the device holds an open FRSM.  A device
// error leaves the session usable, so the FRSM is released; after a transport
// error nothing more is sent.
func (s *FileTransferSession) failOpen(frsmID uint32, err error) Outcome {
	if _, remote := RemoteCode(err); remote {
		s.current = StateFailing
		if closeErr := s.conn.FileClose(frsmID); closeErr != nil {
			s.logger.Debug("File close after device error failed", "session", s.ID, "file", s.fileName, "err", closeErr)
		}
	}

	return s.fail(err)
}

func (s *FileTransferSession) fail(err error) Outcome {
	s.current = StateFailing

	if code, remote := RemoteCode(err); remote {
		return s.finish(OutcomeRemoteError, code, err)
	}

	return s.finish(OutcomeTransportError, ErrorCodeOK, err)
}

func (s *FileTransferSession) finish(kind OutcomeKind, code ErrorCode, err error) Outcome {
	s.outcome.Kind = kind
	s.outcome.Code = code
	s.outcome.Cause = err
	s.current = terminalStates[kind]

	args := []any{
		"session", s.ID,
		"file", s.fileName,
		"outcome", kind.String(),
		"chunks", s.outcome.Chunks,
		"bytes", s.outcome.BytesReceived,
	}

	switch {
	case errors.Is(err, ErrInvalidArgument) && kind == OutcomeTransportError:
		s.logger.Error("File download rejected", append(args, "err", err)...)
	case err != nil:
		s.logger.Error("File download failed", append(args, "code", uint16(code), "err", err)...)
	default:
		s.logger.Info("File download finished", args...)
	}

	return s.outcome
}
