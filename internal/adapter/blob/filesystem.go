package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps documents under a root directory. Writes go to a
// temporary file first and are renamed into place.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) resolve(p string) (string, error) {
	clean := filepath.Clean("/" + p)
	if clean == "/" || strings.Contains(p, "..") {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStore) Put(_ context.Context, p string, data []byte, _ string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync blob %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("commit blob %s: %w", p, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read blob %s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", p, err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", p, err)
	}
	return nil
}
