package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"iceflow/retry"
)

// BlobStorage adapts a gocloud bucket, which covers mem://, file:// and
// any other driver linked into the binary.
type BlobStorage struct {
	bucket *blob.Bucket
	prefix string
}

func NewBlobStorage(bucket *blob.Bucket, prefix string) *BlobStorage {
	return &BlobStorage{bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// OpenBlobStorage opens a bucket URL such as mem:// or file:///var/lake.
func OpenBlobStorage(ctx context.Context, url, prefix string) (*BlobStorage, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", url, err)
	}
	return NewBlobStorage(bucket, prefix), nil
}

func (b *BlobStorage) Close() error {
	return b.bucket.Close()
}

func (b *BlobStorage) key(p string) string {
	return path.Join(b.prefix, p)
}

func (b *BlobStorage) put(ctx context.Context, p string, data io.Reader, opts *blob.WriterOptions) error {
	w, err := b.bucket.NewWriter(ctx, b.key(p), opts)
	if err != nil {
		return fmt.Errorf("opening writer for %s: %w", p, classifyBlob(err))
	}
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", p, classifyBlob(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", p, classifyBlob(err))
	}
	return nil
}

func (b *BlobStorage) Write(ctx context.Context, p string, data io.Reader) error {
	return b.put(ctx, p, data, nil)
}

func (b *BlobStorage) WriteIfAbsent(ctx context.Context, p string, data io.Reader) error {
	return b.put(ctx, p, data, &blob.WriterOptions{IfNotExist: true})
}

func (b *BlobStorage) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, b.key(p), nil)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, classifyBlob(err))
	}
	return r, nil
}

func (b *BlobStorage) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.key(prefix)
	if strings.HasSuffix(prefix, "/") {
		full += "/"
	}

	var files []string
	iter := b.bucket.List(&blob.ListOptions{Prefix: full})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, classifyBlob(err))
		}
		if obj.IsDir {
			continue
		}
		key := obj.Key
		if b.prefix != "" {
			key = strings.TrimPrefix(key, b.prefix+"/")
		}
		files = append(files, key)
	}
	// blob listings are already in lexicographic order
	return files, nil
}

func classifyBlob(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case gcerrors.FailedPrecondition, gcerrors.AlreadyExists:
		return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted, gcerrors.Internal:
		return retry.Transient(err)
	}
	return err
}
