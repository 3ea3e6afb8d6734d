package completion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaywantadh/tusbyte/internal/compressor"
	"github.com/jaywantadh/tusbyte/internal/encryptor"
	"github.com/jaywantadh/tusbyte/internal/storage"
	"github.com/sirupsen/logrus"
)

// RelocateOptions configures a Relocator.
type RelocateOptions struct {
	Dir      string
	Compress bool
	// Passphrase, when set, encrypts the relocated copy.
	Passphrase string
}

// Relocator copies finished uploads into a destination directory under the
// client-supplied filename, optionally lz4-compressed and encrypted.
type Relocator struct {
	store storage.Storage
	opts  RelocateOptions
	log   logrus.FieldLogger
}

func NewRelocator(store storage.Storage, opts RelocateOptions, log logrus.FieldLogger) (*Relocator, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	return &Relocator{store: store, opts: opts, log: log}, nil
}

func (r *Relocator) Name() string { return "relocate" }

// DestinationName picks the file name for a finished upload: the base name
// of metadata "filename", or the upload id when that is missing or unusable.
func DestinationName(ev Event) string {
	name := strings.TrimSpace(ev.Metadata["filename"])
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return ev.UploadID
	}
	return name
}

func (r *Relocator) HandleCompletion(ctx context.Context, ev Event) error {
	src, err := r.store.Get(ev.UploadID)
	if err != nil {
		return err
	}
	defer src.Close()

	name := DestinationName(ev)
	compress := r.opts.Compress && !compressor.ShouldSkipCompression(name)
	if compress {
		name += compressor.Extension
	}
	encrypt := r.opts.Passphrase != ""
	if encrypt {
		name += encryptor.Extension
	}
	dest := filepath.Join(r.opts.Dir, name)

	tmp, err := os.CreateTemp(r.opts.Dir, ".relocate-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	err = r.copy(tmp, src, compress, encrypt)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to copy upload %s: %w", ev.UploadID, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move upload into place: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"upload_id":   ev.UploadID,
		"destination": dest,
		"compressed":  compress,
		"encrypted":   encrypt,
	}).Info("File copied to destination")
	return nil
}

func (r *Relocator) copy(dst io.Writer, src io.Reader, compress, encrypt bool) error {
	switch {
	case compress && encrypt:
		pr, pw := io.Pipe()
		go func() {
			_, err := compressor.Compress(pw, src)
			pw.CloseWithError(err)
		}()
		_, err := encryptor.Encrypt(dst, pr, r.opts.Passphrase)
		pr.CloseWithError(err)
		return err
	case compress:
		_, err := compressor.Compress(dst, src)
		return err
	case encrypt:
		_, err := encryptor.Encrypt(dst, src, r.opts.Passphrase)
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}
