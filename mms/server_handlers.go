package mms

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
)

// RegisterHandlers installs the file service handlers on srv.
func RegisterHandlers(srv *Server) {
	srv.HandleFunc(ServiceFileOpen, HandleFileOpen)
	srv.HandleFunc(ServiceFileRead, HandleFileRead)
	srv.HandleFunc(ServiceFileClose, HandleFileClose)
	srv.HandleFunc(ServiceFileDirectory, HandleFileDirectory)
	srv.HandleFunc(ServiceFileDelete, HandleFileDelete)
	srv.HandleFunc(ServiceConclude, HandleConclude)
}

func (cc *ClientConn) fileName(req *PDU, tag ParamTag) (string, error) {
	param := req.GetParam(tag)
	name, err := cc.Server.charset.Decode(param.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return name, nil
}

// HandleFileOpen opens a file for reading and assigns it an FRSM ID.
//
// Fields used in the request:
// * ParamFileName			Required
// * ParamInitialPosition	Optional, defaults to 0
//
// Fields used in the reply:
// * ParamFRSMID
// * ParamFileSize
// * ParamLastModified
func HandleFileOpen(_ context.Context, cc *ClientConn, req *PDU) ([]Param, error) {
	name, err := cc.fileName(req, ParamFileName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: missing file name", ErrInvalidArgument)
	}

	var initialPosition int64
	if p := req.GetParam(ParamInitialPosition); len(p.Data) > 0 {
		pos, err := p.DecodeUint()
		if err != nil {
			return nil, fmt.Errorf("%w: initial position: %w", ErrMalformedMessage, err)
		}
		initialPosition = int64(pos)
	}

	if len(cc.files) >= cc.Server.Config.MaxOpenFiles {
		return nil, &ServiceError{
			Service: req.Service,
			Code:    ErrorCodeTemporarilyUnavailable,
			Text:    fmt.Sprintf("%d files already open", len(cc.files)),
		}
	}

	fullPath, err := resolvePath(cc.Server.Config.FileRoot, name)
	if err != nil {
		return nil, err
	}

	info, err := cc.Server.FS.Stat(fullPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAccessDenied, name)
	}
	if info.Size() > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s is too large", ErrInvalidArgument, name)
	}
	if initialPosition > info.Size() {
		return nil, fmt.Errorf("%w: initial position %d beyond end of %s", ErrInvalidArgument, initialPosition, name)
	}

	file, err := cc.Server.FS.Open(fullPath)
	if err != nil {
		return nil, err
	}
	if initialPosition > 0 {
		if _, err := file.Seek(initialPosition, io.SeekStart); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: seek %s: %w", ErrHardwareFault, name, err)
		}
	}

	cc.nextFRSM++
	frsmID := cc.nextFRSM
	cc.files[frsmID] = &openFile{
		name:   name,
		file:   file,
		size:   info.Size(),
		offset: initialPosition,
	}

	cc.Server.updateStats(func(stats *Stats) {
		stats.OpenFiles++
		stats.DownloadCounter++
	})

	cc.Logger.Info("File opened", "name", name, "frsm", frsmID, "size", info.Size(), "offset", initialPosition)

	return []Param{
		NewUint32Param(ParamFRSMID, frsmID),
		NewUint32Param(ParamFileSize, uint32(info.Size())),
		NewTimeParam(ParamLastModified, info.ModTime()),
	}, nil
}

func (cc *ClientConn) lookupFile(req *PDU) (uint32, *openFile, error) {
	frsmID, err := requireUint(req, ParamFRSMID)
	if err != nil {
		return 0, nil, err
	}

	of, ok := cc.files[uint32(frsmID)]
	if !ok {
		return 0, nil, fmt.Errorf("%w: FRSM %d is not open", ErrSequenceError, frsmID)
	}

	return uint32(frsmID), of, nil
}

// HandleFileRead returns the next chunk of an open file, at most
// Config.ChunkSize bytes.  MoreFollows is cleared on the chunk that reaches
// the end of the file.
func HandleFileRead(_ context.Context, cc *ClientConn, req *PDU) ([]Param, error) {
	_, of, err := cc.lookupFile(req)
	if err != nil {
		return nil, err
	}

	n := min(int64(cc.Server.Config.ChunkSize), max(of.size-of.offset, 0))
	buf := make([]byte, n)
	if _, err := io.ReadFull(of.file, buf); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrHardwareFault, of.name, err)
	}
	of.offset += n

	cc.Server.updateStats(func(stats *Stats) { stats.BytesServed += n })

	return []Param{
		NewParam(ParamFileData, buf),
		NewBoolParam(ParamMoreFollows, of.offset < of.size),
	}, nil
}

// HandleFileClose releases an FRSM.
func HandleFileClose(_ context.Context, cc *ClientConn, req *PDU) ([]Param, error) {
	frsmID, of, err := cc.lookupFile(req)
	if err != nil {
		return nil, err
	}

	cc.closeFile(frsmID)

	cc.Logger.Info("File closed", "name", of.name, "frsm", frsmID, "bytesSent", of.offset)

	return nil, nil
}

// HandleFileDirectory lists a directory below the file root, sorted by name.
// A page holds as many entries as fit in Config.ChunkSize; the client asks for
// the next page with ParamContinueAfter set to the last name it received.
func HandleFileDirectory(_ context.Context, cc *ClientConn, req *PDU) ([]Param, error) {
	dir, err := cc.fileName(req, ParamFileName)
	if err != nil {
		return nil, err
	}
	continueAfter, err := cc.fileName(req, ParamContinueAfter)
	if err != nil {
		return nil, err
	}

	fullPath, err := resolvePath(cc.Server.Config.FileRoot, dir)
	if err != nil {
		return nil, err
	}

	info, err := cc.Server.FS.Stat(fullPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, dir)
	}

	dirEntries, err := cc.Server.FS.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}

	entries := make([]FileDirectoryEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}

		entry := FileDirectoryEntry{
			Name:         deviceName(dir, de.Name()),
			LastModified: info.ModTime(),
		}
		if de.IsDir() {
			entry.Name += "/"
		} else {
			entry.Size = uint32(min(info.Size(), math.MaxUint32))
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b FileDirectoryEntry) int {
		return strings.Compare(a.Name, b.Name)
	})

	if continueAfter != "" {
		i, _ := slices.BinarySearchFunc(entries, continueAfter, func(e FileDirectoryEntry, name string) int {
			return strings.Compare(e.Name, name)
		})
		for i < len(entries) && entries[i].Name <= continueAfter {
			i++
		}
		entries = entries[i:]
	}

	var (
		params []Param
		used   int
		more   bool
	)
	for _, entry := range entries {
		b, err := entry.encode(cc.Server.charset)
		if err != nil {
			cc.Logger.Error("Skipping unencodable directory entry", "name", entry.Name, "err", err)
			continue
		}

		if len(params) > 0 && used+minParamLen+len(b) > cc.Server.Config.ChunkSize {
			more = true
			break
		}

		params = append(params, NewParam(ParamDirectoryEntry, b))
		used += minParamLen + len(b)
	}

	return append(params, NewBoolParam(ParamMoreFollows, more)), nil
}

// HandleFileDelete removes a file that is not open on this connection.
func HandleFileDelete(_ context.Context, cc *ClientConn, req *PDU) ([]Param, error) {
	name, err := cc.fileName(req, ParamFileName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: missing file name", ErrInvalidArgument)
	}

	fullPath, err := resolvePath(cc.Server.Config.FileRoot, name)
	if err != nil {
		return nil, err
	}

	info, err := cc.Server.FS.Stat(fullPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAccessDenied, name)
	}

	for _, of := range cc.files {
		if of.name == name {
			return nil, fmt.Errorf("%w: %s is open", ErrTemporarilyUnavailable, name)
		}
	}

	if err := cc.Server.FS.Remove(fullPath); err != nil {
		return nil, err
	}

	cc.Logger.Info("File deleted", "name", name)

	return nil, nil
}

// HandleConclude acknowledges the end of the session.
func HandleConclude(_ context.Context, _ *ClientConn, _ *PDU) ([]Param, error) {
	return nil, nil
}
