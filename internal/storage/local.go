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
)

// LocalStorage keeps archived uploads in a directory. Used for single-node
// deployments and tests.
type LocalStorage struct {
	root      string
	publicURL string
}

// NewLocalStorage creates a LocalStorage rooted at dir.
func NewLocalStorage(dir, publicURL string) (*LocalStorage, error) {
	if dir == "" {
		return nil, errors.New("local storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStorage{root: dir, publicURL: strings.TrimSuffix(publicURL, "/")}, nil
}

func (s *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Upload writes the object through a temp file so readers never see a partial copy.
func (s *LocalStorage) Upload(_ context.Context, key string, reader io.Reader, size int64, _ string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("failed to upload object: wrote %d of %d bytes", n, size)
	}
	return os.Rename(tmp.Name(), full)
}

// Exists checks if an object exists in storage
func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	full, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete deletes an object from storage
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// GetURL returns the public URL for accessing an object
func (s *LocalStorage) GetURL(key string) string {
	if s.publicURL == "" {
		return "file://" + filepath.Join(s.root, filepath.Clean("/"+key))
	}
	return s.publicURL + "/" + strings.TrimPrefix(key, "/")
}
