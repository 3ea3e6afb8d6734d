package upload

import (
	"context"
	"errors"
	"time"

	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/sirupsen/logrus"
)

// SweepExpired removes every record past its deadline together with its
// bytes and returns how many were purged.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.opts.Now()

	var ids []string
	err := s.registry.ForEachUpload(func(info metadata.UploadInfo) bool {
		if info.Purgeable(now) {
			ids = append(ids, info.ID)
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		ok, err := s.purge(id, now)
		if err != nil {
			s.log.WithField("upload_id", id).WithError(err).Warn("Failed to purge expired upload")
			continue
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

func (s *Service) purge(id string, now time.Time) (bool, error) {
	release := s.locks.Lock(id)
	defer release()

	// Re-read under the lock; an append may have moved the deadline.
	info, err := s.registry.GetUpload(id)
	if errors.Is(err, metadata.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Purgeable(now) {
		return false, nil
	}
	if err := s.store.Remove(id); err != nil {
		return false, err
	}
	if err := s.registry.DeleteUpload(id); err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{
		"upload_id": id,
		"state":     info.State,
	}).Debug("Expired upload purged")
	return true, nil
}

// RunJanitor sweeps expired uploads every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Warn("Upload sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("purged", n).Info("Expired uploads removed")
			}
		}
	}
}
