package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FS is a filesystem-backed blob store. Blobs live under
// <root>/<aa>/<bb>/<hex> sharded by the first two hex byte pairs; writes go
// through a temp file and rename so readers never see partial bodies.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) path(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("invalid blob hash %q", hash)
	}
	hex := strings.TrimPrefix(hash, HashPrefix)
	return filepath.Join(f.root, hex[:2], hex[2:4], hex), nil
}

func (f *FS) Put(ctx context.Context, hash string, body io.Reader, size int64) error {
	p, err := f.path(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("create blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write blob %s: %w", hash, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("write blob %s: wrote %d bytes, expected %d", hash, written, size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("finalize blob %s: %w", hash, err)
	}
	return nil
}

func (f *FS) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	p, err := f.path(hash)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return file, nil
}

func (f *FS) Delete(ctx context.Context, hash string) error {
	p, err := f.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}
