package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is how long a record stays eligible for resumption.
const DefaultWindow = 3 * time.Hour

// Record links a file fingerprint to an upload session.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	UploadURL   string    `json:"upload_url"`
	Endpoint    string    `json:"endpoint"`
	FileName    string    `json:"file_name,omitempty"`
	Size        uint64    `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists fingerprint records.
type Store interface {
	Add(rec Record) error
	Find(fingerprint string) ([]Record, error)
	Remove(rec Record) error
}

// PebbleStore keeps records in a Pebble database. Records older than the
// window are never returned and are deleted when encountered.
type PebbleStore struct {
	db     *pebble.DB
	window time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
}

// Option customizes a PebbleStore.
type Option func(*PebbleStore)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(s *PebbleStore) { s.window = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *PebbleStore) { s.now = now }
}

// OpenPebbleStore opens (or creates) the store at dir.
func OpenPebbleStore(dir string, log logrus.FieldLogger, opts ...Option) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open fingerprint store at %s: %w", dir, err)
	}
	s := &PebbleStore{
		db:     db,
		window: DefaultWindow,
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// key format: fp/<fingerprint>/<created unix nanos>/<upload url>
func prefix(fingerprint string) string {
	return "fp/" + fingerprint + "/"
}

func recordKey(rec Record) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix(rec.Fingerprint), rec.CreatedAt.UnixNano(), rec.UploadURL))
}

// Add stores rec. A zero CreatedAt is set to the current time.
func (s *PebbleStore) Add(rec Record) error {
	if rec.Fingerprint == "" || rec.UploadURL == "" {
		return errors.New("fingerprint and upload URL are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Set(recordKey(rec), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to store fingerprint record: %w", err)
	}
	return nil
}

// Find returns the records for fingerprint created within the window,
// newest first.
func (s *PebbleStore) Find(fingerprint string) ([]Record, error) {
	p := prefix(fingerprint)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(p),
		UpperBound: []byte(p + "~"),
	})
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.window)
	var (
		records []Record
		stale   [][]byte
	)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			s.log.WithField("key", string(iter.Key())).WithError(err).Warn("Dropping unreadable fingerprint record")
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		if !rec.CreatedAt.After(cutoff) {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	for _, k := range stale {
		if err := s.db.Delete(k, pebble.NoSync); err != nil {
			s.log.WithError(err).Warn("Failed to prune fingerprint record")
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Remove deletes rec. Removing a missing record is not an error.
func (s *PebbleStore) Remove(rec Record) error {
	rec.CreatedAt = rec.CreatedAt.UTC()
	if err := s.db.Delete(recordKey(rec), pebble.Sync); err != nil {
		return fmt.Errorf("failed to remove fingerprint record: %w", err)
	}
	return nil
}
