// Package upload is the server side of the resumable upload protocol: the
// session registry, offset-verified appends and completion.
//
// Every mutation of a session runs under that session's lock, so appends to
// one id are strictly serialized while different ids proceed in parallel.
// The registry record is the source of truth for the offset; storage bytes
// past the recorded offset are treated as garbage from an interrupted write.
package upload

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/tusbyte/internal/checksum"
	"github.com/jaywantadh/tusbyte/internal/completion"
	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/jaywantadh/tusbyte/internal/storage"
	"github.com/sirupsen/logrus"
)

// Registry persists upload records. *metadata.MetadataStore implements it.
type Registry interface {
	CreateUpload(info metadata.UploadInfo) error
	PutUpload(info metadata.UploadInfo) error
	GetUpload(id string) (metadata.UploadInfo, error)
	DeleteUpload(id string) error
	ForEachUpload(fn func(metadata.UploadInfo) bool) error
}

// Dispatcher receives one event per completed upload.
type Dispatcher interface {
	Dispatch(ev completion.Event)
}

// Options tunes a Service.
type Options struct {
	// MaxSize is the largest accepted Upload-Length.
	MaxSize uint64
	// SessionTTL bounds how long an unfinished upload stays resumable, and how
	// long finished or terminated records are retained afterwards. Zero disables expiry.
	SessionTTL time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Service implements create, status, append and terminate.
type Service struct {
	registry   Registry
	store      storage.Storage
	dispatcher Dispatcher
	locks      *lockMap
	opts       Options
	log        logrus.FieldLogger
}

func NewService(registry Registry, store storage.Storage, dispatcher Dispatcher, opts Options, log logrus.FieldLogger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		locks:      newLockMap(),
		opts:       opts,
		log:        log,
	}
}

// MaxSize is the configured upload size limit.
func (s *Service) MaxSize() uint64 {
	return s.opts.MaxSize
}

func (s *Service) deadline(now time.Time) time.Time {
	if s.opts.SessionTTL <= 0 {
		return time.Time{}
	}
	return now.Add(s.opts.SessionTTL)
}

// Create allocates a new upload of totalSize bytes.
func (s *Service) Create(ctx context.Context, totalSize uint64, meta metadata.Pairs) (metadata.UploadInfo, error) {
	if totalSize == 0 || (s.opts.MaxSize > 0 && totalSize > s.opts.MaxSize) {
		return metadata.UploadInfo{}, fmt.Errorf("%w: %d", ErrInvalidSize, totalSize)
	}
	if err := ctx.Err(); err != nil {
		return metadata.UploadInfo{}, err
	}

	now := s.opts.Now().UTC()
	info := metadata.UploadInfo{
		ID:        uuid.New().String(),
		Size:      totalSize,
		Metadata:  meta,
		State:     metadata.StateActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: s.deadline(now),
	}

	if err := s.store.Create(info.ID); err != nil {
		return metadata.UploadInfo{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := s.registry.CreateUpload(info); err != nil {
		_ = s.store.Remove(info.ID)
		return metadata.UploadInfo{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.log.WithFields(logrus.Fields{
		"upload_id": info.ID,
		"size":      totalSize,
	}).Info("Upload created")
	return info, nil
}

// lookup returns a live record: unknown, expired and terminated uploads all
// report ErrUnknownSession.
func (s *Service) lookup(id string) (metadata.UploadInfo, error) {
	info, err := s.registry.GetUpload(id)
	if errors.Is(err, metadata.ErrNotFound) {
		return info, ErrUnknownSession
	}
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if info.State == metadata.StateAborted || info.Expired(s.opts.Now()) {
		return info, ErrUnknownSession
	}
	return info, nil
}

// Status returns the current record. It does not take the session lock; the
// registry writes whole records atomically, so the offset is never torn.
func (s *Service) Status(ctx context.Context, id string) (metadata.UploadInfo, error) {
	if err := ctx.Err(); err != nil {
		return metadata.UploadInfo{}, err
	}
	return s.lookup(id)
}

// Append writes body at offset and returns the new offset. body is read up
// to the remaining size of the upload plus one byte, which is enough to
// detect an oversized chunk. When expected is non-nil the written bytes must
// match its digest. A failed append leaves the session unchanged.
func (s *Service) Append(ctx context.Context, id string, offset uint64, body io.Reader, expected *checksum.Expected) (uint64, error) {
	release := s.locks.Lock(id)
	defer release()

	info, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if offset != info.Offset {
		return info.Offset, &ConflictError{Offset: info.Offset, Got: offset}
	}
	if err := ctx.Err(); err != nil {
		return info.Offset, err
	}

	remaining := info.Size - info.Offset
	if remaining == 0 {
		// Completed upload: only an empty body is acceptable.
		var extra [1]byte
		if n, _ := io.ReadFull(body, extra[:]); n > 0 {
			return info.Offset, ErrOversizedChunk
		}
		return info.Offset, nil
	}

	var h hash.Hash
	reader := io.LimitReader(body, int64(remaining)+1)
	if expected != nil {
		h, err = checksum.New(expected.Algorithm)
		if err != nil {
			return info.Offset, err
		}
		reader = io.TeeReader(reader, h)
	}

	src := &bodyReader{r: reader}
	n, err := s.store.WriteChunk(id, offset, src)
	if err != nil {
		if src.err != nil {
			// The client went away mid-body; nothing is wrong with the store.
			return info.Offset, fmt.Errorf("upload body interrupted: %w", src.err)
		}
		return info.Offset, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	fields := logrus.Fields{"upload_id": id, "offset": offset, "length": n}

	if uint64(n) > remaining {
		s.rollback(id, offset)
		return info.Offset, ErrOversizedChunk
	}
	if h != nil {
		if err := expected.Verify(h.Sum(nil)); err != nil {
			s.rollback(id, offset)
			s.log.WithFields(fields).Warn("Chunk checksum mismatch")
			return info.Offset, ErrChecksumMismatch
		}
	}
	if n == 0 {
		return info.Offset, nil
	}

	now := s.opts.Now().UTC()
	next := info
	next.Offset += uint64(n)
	next.UpdatedAt = now
	if next.Offset == next.Size {
		next.State = metadata.StateCompleted
		next.CompletedAt = now
		next.ExpiresAt = s.deadline(now)
	}

	if err := s.registry.PutUpload(next); err != nil {
		s.rollback(id, offset)
		return info.Offset, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.log.WithFields(fields).Debug("Chunk stored")

	if next.State == metadata.StateCompleted {
		s.log.WithFields(logrus.Fields{"upload_id": id, "size": next.Size}).Info("Upload completed")
		if s.dispatcher != nil {
			s.dispatcher.Dispatch(completion.NewEvent(next))
		}
	}
	return next.Offset, nil
}

func (s *Service) rollback(id string, offset uint64) {
	if err := s.store.Truncate(id, offset); err != nil {
		// The next append truncates to the recorded offset anyway.
		s.log.WithFields(logrus.Fields{"upload_id": id, "offset": offset}).WithError(err).Warn("Rollback failed")
	}
}

// Terminate releases an upload's storage and marks it aborted. Terminating
// an unknown or already terminated upload succeeds without effect.
func (s *Service) Terminate(ctx context.Context, id string) error {
	release := s.locks.Lock(id)
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := s.registry.GetUpload(id)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if info.State == metadata.StateAborted {
		return nil
	}

	if err := s.store.Remove(id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	now := s.opts.Now().UTC()
	info.State = metadata.StateAborted
	info.UpdatedAt = now
	info.ExpiresAt = s.deadline(now)
	if info.ExpiresAt.IsZero() {
		// Without a retention window there is nothing to keep the tombstone for.
		if err := s.registry.DeleteUpload(id); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	} else if err := s.registry.PutUpload(info); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	s.log.WithField("upload_id", id).Info("Upload terminated")
	return nil
}

// Open returns the bytes of a completed upload.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, metadata.UploadInfo, error) {
	info, err := s.Status(ctx, id)
	if err != nil {
		return nil, info, err
	}
	if info.State != metadata.StateCompleted {
		return nil, info, ErrIncomplete
	}
	size, err := s.store.Size(id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, info, ErrUnknownSession
	case err != nil:
		return nil, info, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	case size != info.Size:
		return nil, info, fmt.Errorf("%w: stored %d bytes, expected %d", ErrStorageFailure, size, info.Size)
	}
	rc, err := s.store.Get(id)
	if err != nil {
		return nil, info, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return rc, info, nil
}

// bodyReader remembers a failed read of the request body so it is not
// mistaken for a storage error.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}
