package rangeindex

import (
	"io"
	"os"
)

// IndexFileSystem is the interface to handle index file create/open/rename/remove.
type IndexFileSystem interface {
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
	Rename(oldname, newname string) error
	Remove(name string) error
}

// NewIndexFileSystem creates a file system backed by the local disk.
func NewIndexFileSystem() IndexFileSystem {
	return &fileSystemImpl{}
}

type fileSystemImpl struct{}

// Create truncates or creates the named file for writing.
func (fs *fileSystemImpl) Create(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

// Open opens the named file for reading.
func (fs *fileSystemImpl) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (fs *fileSystemImpl) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (fs *fileSystemImpl) Remove(name string) error {
	return os.Remove(name)
}
