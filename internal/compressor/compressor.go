package compressor

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Extension is appended to the name of compressed copies.
const Extension = ".lz4"

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".lz4": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

// ShouldSkipCompression reports whether fileName already holds compressed data.
func ShouldSkipCompression(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return skipExtensions[ext]
}

// Compress streams src into dst as an lz4 frame and returns the number of
// uncompressed bytes consumed.
func Compress(dst io.Writer, src io.Reader) (int64, error) {
	writer := lz4.NewWriter(dst)
	n, err := io.Copy(writer, src)
	if err != nil {
		return n, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("compression failed: %w", err)
	}
	return n, nil
}

// Decompress streams an lz4 frame from src into dst.
func Decompress(dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, lz4.NewReader(src))
	if err != nil {
		return n, fmt.Errorf("decompression failed: %w", err)
	}
	return n, nil
}
