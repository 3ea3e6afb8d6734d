package storage

import (
	"errors"
	"io"
)

var (
	ErrNotFound  = errors.New("upload data not found")
	ErrInvalidID = errors.New("invalid upload id")
)

// Storage defines the append-only byte store backing each upload.
type Storage interface {
	// Create allocates an empty store for id.
	Create(id string) error
	// WriteChunk writes r at offset. Any bytes past offset left over from an
	// interrupted write are discarded first. On error the store is rolled
	// back to offset.
	WriteChunk(id string, offset uint64, r io.Reader) (int64, error)
	// Truncate shrinks the store for id to size bytes.
	Truncate(id string, size uint64) error
	// Size returns the number of bytes currently stored for id.
	Size(id string) (uint64, error)
	// Get opens the stored bytes for reading.
	Get(id string) (io.ReadCloser, error)
	// Remove releases the store for id. Removing a missing store is not an error.
	Remove(id string) error
}
