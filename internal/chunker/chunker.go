package chunker

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortRead means the source ended before the requested range.
var ErrShortRead = errors.New("source shorter than expected")

// Chunk is one contiguous range of the source, sent as a single request.
type Chunk struct {
	Offset uint64
	Data   []byte
}

// Len is the number of bytes in the chunk.
func (c Chunk) Len() uint64 { return uint64(len(c.Data)) }

// End is the offset just past the chunk.
func (c Chunk) End() uint64 { return c.Offset + c.Len() }

// SizeFor picks a chunk size from the file size, never exceeding limit.
// A non-positive limit leaves the size uncapped.
func SizeFor(fileSize, limit int64) int64 {
	size := determineChunkSize(fileSize)
	if limit > 0 && size > limit {
		size = limit
	}
	return size
}

func determineChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}

// Next reads the chunk starting at offset: chunkSize bytes, or fewer when
// the end of a totalSize-byte source is closer.
func Next(src io.ReaderAt, offset, totalSize uint64, chunkSize int64) (Chunk, error) {
	if chunkSize <= 0 {
		return Chunk{}, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	if offset > totalSize {
		return Chunk{}, fmt.Errorf("offset %d beyond size %d", offset, totalSize)
	}
	n := totalSize - offset
	if n > uint64(chunkSize) {
		n = uint64(chunkSize)
	}
	data, err := ReadRange(src, offset, int(n))
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Offset: offset, Data: data}, nil
}

// ReadRange reads exactly n bytes at off.
func ReadRange(src io.ReaderAt, off uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := src.ReadAt(buf, int64(off))
	if read == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read %d of %d bytes at %d", ErrShortRead, read, n, off)
	}
	return nil, fmt.Errorf("failed to read source at %d: %w", off, err)
}
