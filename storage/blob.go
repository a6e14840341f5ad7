package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"veritrain-orchestrator/core/apperr"
)

// BlobStore stores opaque objects under slash-separated keys
type BlobStore interface {
	// Put writes the object and returns its URI and size
	Put(ctx context.Context, key string, r io.Reader) (uri string, size int64, err error)
	// Get opens the object for reading. Missing objects yield NOT_FOUND.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// FSBlobStore keeps objects on the local filesystem under a root directory
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates a filesystem blob store rooted at root
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{root: abs}, nil
}

// Put writes the object through a temporary file so readers never see a partial object
func (s *FSBlobStore) Put(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	path, err := s.path(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("commit %s: %w", key, err)
	}
	return "file://" + filepath.ToSlash(path), n, nil
}

// Get opens the object for reading
func (s *FSBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Wrap(apperr.CodeNotFound, err, "object %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// path resolves key under the root and rejects keys that escape it
func (s *FSBlobStore) path(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", apperr.Validation("object key is empty")
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", apperr.Validation("object key %q escapes the store root", key)
	}
	return path, nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
