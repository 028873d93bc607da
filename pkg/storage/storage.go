// Package storage is an abstraction of a blob store, with a local filesystem
// implementation and a Google Cloud Storage implementation.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

var ErrNoPublicUrl = errors.New("Storage has no public URL")
var ErrInvalidName = errors.New("Invalid file name")
var ErrNotFound = errors.New("File not found")

// Storage is an abstraction of a blob store (eg GCS).
// Names use forward slashes, such as "album/clip.mp4".
type Storage interface {
	// When finished, you must either Close or Abort the Writer.
	// The file only becomes visible once Close returns successfully.
	WriteFile(ctx context.Context, name string) (Writer, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	Exists(ctx context.Context, name string) (bool, error)

	// URL returns a URL from which the file can be fetched, or ErrNoPublicUrl
	URL(name string) (string, error)
}

// Writer writes a new file into storage
type Writer interface {
	io.WriteCloser
	// Abort discards everything that has been written
	Abort()
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// ValidateName rejects names that could escape the storage root
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return fmt.Errorf("%w '%v'", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w '%v'", ErrInvalidName, name)
		}
	}
	return nil
}

// Join builds a storage name out of parts, such as an album and a filename
func Join(parts ...string) string {
	return path.Join(parts...)
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// CopyLocalFile copies a file from the local filesystem into storage
func CopyLocalFile(ctx context.Context, s Storage, name, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	return WriteFile(ctx, s, name, src)
}
