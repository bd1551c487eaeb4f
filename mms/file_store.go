package mms

import (
	"io"
	"os"

	"github.com/stretchr/testify/mock"
)

// FileStore is the storage backend a Server serves files from.
type FileStore interface {
	Open(name string) (io.ReadSeekCloser, error)
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
	Remove(name string) error
}

type OSFileStore struct{}

func (fs *OSFileStore) Open(name string) (io.ReadSeekCloser, error) {
	return os.Open(name)
}

func (fs *OSFileStore) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (fs *OSFileStore) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (fs *OSFileStore) Remove(name string) error {
	return os.Remove(name)
}

type MockFileStore struct {
	mock.Mock
}

func (mfs *MockFileStore) Open(name string) (io.ReadSeekCloser, error) {
	args := mfs.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadSeekCloser), args.Error(1)
}

func (mfs *MockFileStore) Stat(name string) (os.FileInfo, error) {
	args := mfs.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(os.FileInfo), args.Error(1)
}

func (mfs *MockFileStore) ReadDir(name string) ([]os.DirEntry, error) {
	args := mfs.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]os.DirEntry), args.Error(1)
}

func (mfs *MockFileStore) Remove(name string) error {
	args := mfs.Called(name)
	return args.Error(0)
}
