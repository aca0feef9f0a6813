package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned by Read when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned by WriteIfAbsent when the key is taken.
	ErrPreconditionFailed = errors.New("object already exists")
)

// Storage is the object store boundary. Paths are slash separated and
// relative to the store root. Implementations classify retryable
// failures with retry.ErrTransient.
type Storage interface {
	Write(ctx context.Context, path string, data io.Reader) error
	// WriteIfAbsent creates path only if nothing exists there yet. It is
	// the single conditional primitive the commit protocol relies on.
	WriteIfAbsent(ctx context.Context, path string, data io.Reader) error
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	// List returns every path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll reads the whole object at path.
func ReadAll(ctx context.Context, s Storage, path string) ([]byte, error) {
	rc, err := s.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// WriteBytes writes data to path, conditionally when exclusive is set.
func WriteBytes(ctx context.Context, s Storage, path string, data []byte, exclusive bool) error {
	if exclusive {
		return s.WriteIfAbsent(ctx, path, bytes.NewReader(data))
	}
	return s.Write(ctx, path, bytes.NewReader(data))
}
