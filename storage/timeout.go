package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"iceflow/retry"
)

type timeoutStorage struct {
	next    Storage
	timeout time.Duration
}

// WithTimeout bounds every call on s by d. A call that runs out of time
// while the caller's context is still live fails with retry.ErrTransient,
// leaving the decision to retry to the operator.
func WithTimeout(s Storage, d time.Duration) Storage {
	if d <= 0 {
		return s
	}
	return &timeoutStorage{next: s, timeout: d}
}

func (t *timeoutStorage) do(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return retry.Transient(err)
	}
	return err
}

func (t *timeoutStorage) Write(ctx context.Context, path string, data io.Reader) error {
	return t.do(ctx, func(ctx context.Context) error {
		return t.next.Write(ctx, path, data)
	})
}

func (t *timeoutStorage) WriteIfAbsent(ctx context.Context, path string, data io.Reader) error {
	return t.do(ctx, func(ctx context.Context) error {
		return t.next.WriteIfAbsent(ctx, path, data)
	})
}

// Read drains the object inside the deadline; callers only read
// metadata documents through here, which are small.
func (t *timeoutStorage) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	var data []byte
	err := t.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = ReadAll(ctx, t.next, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *timeoutStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var files []string
	err := t.do(ctx, func(ctx context.Context) error {
		var err error
		files, err = t.next.List(ctx, prefix)
		return err
	})
	return files, err
}
