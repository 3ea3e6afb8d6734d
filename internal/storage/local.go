package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements the Storage interface for the local filesystem.
// Each upload is a single file named after its id.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.basePath, id), nil
}

// Create creates an empty file for id, failing if one already exists.
func (s *LocalStorage) Create(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	return f.Close()
}

// WriteChunk writes r at offset and fsyncs before returning.
func (s *LocalStorage) WriteChunk(id string, offset uint64, r io.Reader) (int64, error) {
	p, err := s.path(id)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return 0, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(offset)); err != nil {
		return 0, fmt.Errorf("failed to discard torn tail: %w", err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek upload file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(int64(offset)); terr != nil {
			return 0, fmt.Errorf("write failed: %v; rollback failed: %w", err, terr)
		}
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	return n, nil
}

// Truncate shrinks the upload file to size bytes.
func (s *LocalStorage) Truncate(id string, size uint64) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Truncate(p, int64(size)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to truncate upload file: %w", err)
	}
	return nil
}

// Size returns the current length of the upload file.
func (s *LocalStorage) Size(id string) (uint64, error) {
	p, err := s.path(id)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return 0, err
	}
	return uint64(st.Size()), nil
}

// Get retrieves an upload from the local filesystem.
func (s *LocalStorage) Get(id string) (io.ReadCloser, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return file, nil
}

// Remove deletes the upload file.
func (s *LocalStorage) Remove(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove upload file: %w", err)
	}
	return nil
}
