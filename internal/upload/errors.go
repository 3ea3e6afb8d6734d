package upload

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession   = errors.New("unknown upload session")
	ErrInvalidSize      = errors.New("invalid upload size")
	ErrOversizedChunk   = errors.New("chunk exceeds upload size")
	ErrOffsetConflict   = errors.New("upload offset conflict")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrStorageFailure   = errors.New("storage failure")
	ErrIncomplete       = errors.New("upload not complete")
)

// ConflictError reports the authoritative offset when a chunk does not
// start where the server expects it.
type ConflictError struct {
	Offset uint64
	Got    uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: expected offset %d, got %d", ErrOffsetConflict, e.Offset, e.Got)
}

func (e *ConflictError) Unwrap() error { return ErrOffsetConflict }
