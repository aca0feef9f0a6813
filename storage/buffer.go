package storage

import (
	"bytes"
	"context"
	"fmt"
)

// Buffer stages an object in memory until it is complete, then uploads
// it in one call. A failed encode never leaves a partial object behind,
// and Upload can be repeated by a retry loop since every call sends the
// whole content again.
type Buffer struct {
	path string
	data bytes.Buffer
}

func NewBuffer(path string) *Buffer {
	return &Buffer{path: path}
}

func (b *Buffer) Path() string {
	return b.path
}

func (b *Buffer) Write(p []byte) (int, error) {
	return b.data.Write(p)
}

// Size is the number of bytes staged so far.
func (b *Buffer) Size() int64 {
	return int64(b.data.Len())
}

func (b *Buffer) Upload(ctx context.Context, s Storage) error {
	if err := s.Write(ctx, b.path, bytes.NewReader(b.data.Bytes())); err != nil {
		return fmt.Errorf("uploading %s: %w", b.path, err)
	}
	return nil
}
