// Package checksum implements the digests accepted in the Upload-Checksum
// header. A header value has the form "<algorithm> <base64 digest>".
package checksum

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
	ErrMalformedHeader      = errors.New("malformed checksum header")
	ErrMismatch             = errors.New("checksum mismatch")
)

var algorithms = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"md5":    md5.New,
	"crc32":  func() hash.Hash { return crc32.NewIEEE() },
	"blake2b": func() hash.Hash {
		// New512 only fails for keys longer than 64 bytes.
		h, _ := blake2b.New512(nil)
		return h
	},
}

// Algorithms lists the supported algorithm names in a stable order.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported reports whether algorithm can be used.
func Supported(algorithm string) bool {
	_, ok := algorithms[algorithm]
	return ok
}

// New returns a fresh hash for algorithm.
func New(algorithm string) (hash.Hash, error) {
	fn, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	return fn(), nil
}

// Expected is a digest announced by the sender.
type Expected struct {
	Algorithm string
	Sum       []byte
}

// Parse decodes an Upload-Checksum header value.
func Parse(header string) (*Expected, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return nil, ErrMalformedHeader
	}
	if !Supported(parts[0]) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, parts[0])
	}
	sum, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return &Expected{Algorithm: parts[0], Sum: sum}, nil
}

// Verify compares a computed digest against the expectation.
func (e *Expected) Verify(sum []byte) error {
	if !bytes.Equal(e.Sum, sum) {
		return ErrMismatch
	}
	return nil
}

// Header computes the Upload-Checksum value for data.
func Header(algorithm string, data []byte) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return algorithm + " " + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
