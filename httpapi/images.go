package httpapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ImageStore persists submission images and returns an opaque reference the
// milestone record keeps. The storage provider behind it is interchangeable.
type ImageStore interface {
	Save(ctx context.Context, filename string, r io.Reader) (string, error)
}

// LocalImageStore writes uploads to a directory on disk. References are the
// stored file names, prefixed with a random id so uploads never collide.
type LocalImageStore struct {
	dir string
}

func NewLocalImageStore(dir string) (*LocalImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("httpapi: create upload dir: %w", err)
	}
	return &LocalImageStore{dir: dir}, nil
}

func (s *LocalImageStore) Save(ctx context.Context, filename string, r io.Reader) (string, error) {
	ref := uuid.NewString() + "-" + filepath.Base(filename)

	f, err := os.Create(filepath.Join(s.dir, ref))
	if err != nil {
		return "", fmt.Errorf("httpapi: create upload file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("httpapi: write upload: %w", err)
	}
	return ref, nil
}
