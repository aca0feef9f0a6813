package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FileStorage keeps objects as files under a root directory. Plain
// writes go through a temp file and a rename, conditional writes through
// a hard link, so readers never see a partially written object.
type FileStorage struct {
	root string
}

func NewFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &FileStorage{root: root}, nil
}

func (f *FileStorage) full(p string) string {
	return filepath.Join(f.root, filepath.FromSlash(p))
}

func (f *FileStorage) stage(ctx context.Context, p string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Dir(f.full(p))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing %s: %w", p, err)
	}
	return tmp.Name(), nil
}

func (f *FileStorage) Write(ctx context.Context, p string, data io.Reader) error {
	tmp, err := f.stage(ctx, p, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, f.full(p)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", p, err)
	}
	return nil
}

func (f *FileStorage) WriteIfAbsent(ctx context.Context, p string, data io.Reader) error {
	tmp, err := f.stage(ctx, p, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, f.full(p)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrPreconditionFailed, p)
		}
		return fmt.Errorf("linking %s: %w", p, err)
	}
	return nil
}

func (f *FileStorage) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.full(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	return file, nil
}

// List walks only the deepest directory the prefix names, so listing a
// table's metadata does not visit its data files.
func (f *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
	}
	start := f.full(strings.TrimSuffix(dir, "/"))

	var files []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	sort.Strings(files)
	return files, nil
}
