// Package encryptor seals finished uploads at rest with a passphrase.
//
// The stream layout is salt | nonce prefix | frames. Every frame but the
// last holds exactly frameSize plaintext bytes; the last holds fewer (possibly
// none) and is authenticated as final, so truncation is detected.
package encryptor

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Extension is appended to the name of encrypted copies.
const Extension = ".enc"

const (
	saltSize   = 16
	prefixSize = chacha20poly1305.NonceSizeX - 8
	keySize    = chacha20poly1305.KeySize
	frameSize  = 64 * 1024
	scryptN    = 32768
	scryptR    = 8
	scryptP    = 1
)

var (
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
	ErrDecrypt         = errors.New("decryption failed")
)

var (
	adMore  = []byte{0}
	adFinal = []byte{1}
)

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func nonce(prefix []byte, counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, prefix)
	binary.BigEndian.PutUint64(n[prefixSize:], counter)
	return n
}

// Encrypt streams src into dst and returns the number of plaintext bytes
// consumed.
func Encrypt(dst io.Writer, src io.Reader, passphrase string) (int64, error) {
	header := make([]byte, saltSize+prefixSize)
	if _, err := rand.Read(header); err != nil {
		return 0, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := newAEAD(passphrase, header[:saltSize])
	if err != nil {
		return 0, err
	}
	prefix := header[saltSize:]
	if _, err := dst.Write(header); err != nil {
		return 0, err
	}

	var (
		total int64
		buf   = make([]byte, frameSize)
		out   = make([]byte, 0, frameSize+aead.Overhead())
	)
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(src, buf)
		total += int64(n)
		switch {
		case err == nil:
			if _, werr := dst.Write(aead.Seal(out[:0], nonce(prefix, counter), buf, adMore)); werr != nil {
				return total, werr
			}
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			_, werr := dst.Write(aead.Seal(out[:0], nonce(prefix, counter), buf[:n], adFinal))
			return total, werr
		default:
			return total, fmt.Errorf("encryption failed: %w", err)
		}
	}
}

// Decrypt reverses Encrypt. It fails with ErrDecrypt on a wrong passphrase
// or a tampered or truncated stream.
func Decrypt(dst io.Writer, src io.Reader, passphrase string) (int64, error) {
	header := make([]byte, saltSize+prefixSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return 0, fmt.Errorf("%w: short header", ErrDecrypt)
	}
	aead, err := newAEAD(passphrase, header[:saltSize])
	if err != nil {
		return 0, err
	}
	prefix := header[saltSize:]

	var (
		total int64
		buf   = make([]byte, frameSize+aead.Overhead())
		out   = make([]byte, 0, frameSize)
	)
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(src, buf)
		ad := adMore
		switch {
		case err == nil:
		case errors.Is(err, io.ErrUnexpectedEOF):
			ad = adFinal
		case errors.Is(err, io.EOF):
			return total, fmt.Errorf("%w: stream truncated", ErrDecrypt)
		default:
			return total, err
		}

		plain, oerr := aead.Open(out[:0], nonce(prefix, counter), buf[:n], ad)
		if oerr != nil {
			return total, ErrDecrypt
		}
		w, werr := dst.Write(plain)
		total += int64(w)
		if werr != nil {
			return total, werr
		}
		if ad[0] == adFinal[0] {
			return total, nil
		}
	}
}
