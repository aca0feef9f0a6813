package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"iceflow/retry"
)

func stores(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return map[string]Storage{
		"file": fs,
		"mem":  NewBlobStorage(memblob.OpenBucket(nil), "lake"),
	}
}

func TestStorageContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write(ctx, "t/data/a.parquet", strings.NewReader("a")))
			require.NoError(t, s.Write(ctx, "t/data/a.parquet", strings.NewReader("aa")))

			data, err := ReadAll(ctx, s, "t/data/a.parquet")
			require.NoError(t, err)
			assert.Equal(t, "aa", string(data))

			require.NoError(t, s.WriteIfAbsent(ctx, "t/metadata/_versions/1", strings.NewReader("v1")))
			err = s.WriteIfAbsent(ctx, "t/metadata/_versions/1", strings.NewReader("other"))
			require.ErrorIs(t, err, ErrPreconditionFailed)

			data, err = ReadAll(ctx, s, "t/metadata/_versions/1")
			require.NoError(t, err)
			assert.Equal(t, "v1", string(data), "losing conditional write must not replace the object")

			_, err = s.Read(ctx, "t/missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "t/metadata/_versions/2", strings.NewReader("v2")))
			files, err := s.List(ctx, "t/metadata/_versions/")
			require.NoError(t, err)
			assert.Equal(t, []string{"t/metadata/_versions/1", "t/metadata/_versions/2"}, files)

			files, err = s.List(ctx, "nothing/")
			require.NoError(t, err)
			assert.Empty(t, files)
		})
	}
}

func TestListPrefixes(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{"t/data/a.parquet", "t/data/ab.parquet", "t/data/b.parquet", "t/data/day=1/c.parquet", "u/data/a.parquet"} {
				require.NoError(t, s.Write(ctx, p, strings.NewReader("x")))
			}

			tests := []struct {
				prefix string
				want   []string
			}{
				{"t/data/a", []string{"t/data/a.parquet", "t/data/ab.parquet"}},
				{"t/data/day=1/", []string{"t/data/day=1/c.parquet"}},
				{"t/data/day", []string{"t/data/day=1/c.parquet"}},
				{"t/", []string{"t/data/a.parquet", "t/data/ab.parquet", "t/data/b.parquet", "t/data/day=1/c.parquet"}},
				{"t/missing/dir/", nil},
				{"t/missing/x", nil},
			}
			for _, tt := range tests {
				files, err := s.List(ctx, tt.prefix)
				require.NoError(t, err, tt.prefix)
				if tt.want == nil {
					assert.Empty(t, files, tt.prefix)
					continue
				}
				assert.Equal(t, tt.want, files, tt.prefix)
			}
		})
	}
}

func TestBufferUpload(t *testing.T) {
	ctx := context.Background()
	s := NewBlobStorage(memblob.OpenBucket(nil), "")

	buf := NewBuffer("t/data/x.parquet")
	_, err := buf.Write([]byte("PAR1"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, buf.Size())
	require.NoError(t, buf.Upload(ctx, s))
	require.NoError(t, buf.Upload(ctx, s), "a retried upload sends the whole object again")

	data, err := ReadAll(ctx, s, "t/data/x.parquet")
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data))
}

type slowStorage struct{ Storage }

func (s slowStorage) List(ctx context.Context, prefix string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	s := WithTimeout(slowStorage{NewBlobStorage(memblob.OpenBucket(nil), "")}, 5*time.Millisecond)

	_, err := s.List(context.Background(), "x/")
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.List(ctx, "x/")
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err), "caller cancellation is not a transient failure")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Type: "file", Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.WriteIfAbsent(ctx, "k", strings.NewReader("v")))

	_, err = Open(ctx, Config{Type: "ftp"})
	require.Error(t, err)

	_, err = Open(ctx, Config{Type: "file"})
	require.Error(t, err)
}
