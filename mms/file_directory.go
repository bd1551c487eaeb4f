package mms

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"time"
)

const directoryEntryHeaderLen = 12

// FileDirectoryEntry describes one file in a device directory listing.
// Sub-directories are reported with a trailing "/" and a size of zero.
//
// On the wire each entry is carried in a DirectoryEntry param:
//
//	Description		Size	Note
//	File size		4
//	Last modified	8		Milliseconds since the Unix epoch, UTC
//	Name			n		Charset encoded, relative to the file root
type FileDirectoryEntry struct {
	Name         string
	Size         uint32
	LastModified time.Time
}

func (e *FileDirectoryEntry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

func (e *FileDirectoryEntry) encode(cs *Charset) ([]byte, error) {
	name, err := cs.Encode(e.Name)
	if err != nil {
		return nil, err
	}

	return slices.Concat(
		binary.BigEndian.AppendUint32(nil, e.Size),
		binary.BigEndian.AppendUint64(nil, uint64(e.LastModified.UnixMilli())),
		name,
	), nil
}

func (e *FileDirectoryEntry) decode(b []byte, cs *Charset) error {
	if len(b) <= directoryEntryHeaderLen {
		return fmt.Errorf("%w: directory entry of %d bytes", ErrMalformedMessage, len(b))
	}

	name, err := cs.Decode(b[directoryEntryHeaderLen:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	e.Size = binary.BigEndian.Uint32(b[0:4])
	e.LastModified = time.UnixMilli(int64(binary.BigEndian.Uint64(b[4:12]))).UTC()
	e.Name = name

	return nil
}

// DirectoryLister fetches one page of a directory listing.
type DirectoryLister interface {
	FileDirectory(dir, continueAfter string) (entries []FileDirectoryEntry, moreFollows bool, err error)
}

// GetFileDirectory returns the complete listing of dir, following as many
// pages as the device sends.
func GetFileDirectory(conn DirectoryLister, dir string) ([]FileDirectoryEntry, error) {
	if conn == nil {
		return nil, ErrNotConnected
	}

	var (
		all           []FileDirectoryEntry
		continueAfter string
	)
	for {
		entries, more, err := conn.FileDirectory(dir, continueAfter)
		if err != nil {
			return all, err
		}
		all = append(all, entries...)

		if !more {
			return all, nil
		}

		// A device that claims more entries but sends none would loop forever.
		if len(entries) == 0 {
			return all, fmt.Errorf("%w: empty directory page with more follows set", ErrMalformedMessage)
		}
		continueAfter = entries[len(entries)-1].Name
	}
}
