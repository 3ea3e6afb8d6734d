package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("upload not found")
	ErrExists   = errors.New("upload already exists")
)

// State is the server-side lifecycle of an upload.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

const uploadPrefix = "upload:"

// UploadInfo is the durable record of one upload session.
type UploadInfo struct {
	ID          string    `json:"id"`
	Size        uint64    `json:"size"`
	Offset      uint64    `json:"offset"`
	Metadata    Pairs     `json:"metadata"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Expired reports whether an unfinished upload has outlived its deadline.
func (u UploadInfo) Expired(now time.Time) bool {
	return u.State == StateActive && u.Purgeable(now)
}

// Purgeable reports whether the record, in any state, is past its retention deadline.
func (u UploadInfo) Purgeable(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// MetadataStore wraps BadgerDB for upload records.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path. Every
// write is fsynced before it returns.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithSyncWrites(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

func uploadKey(id string) []byte {
	return []byte(uploadPrefix + id)
}

// CreateUpload stores a new record and fails with ErrExists on an id collision.
func (ms *MetadataStore) CreateUpload(info UploadInfo) error {
	val, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(uploadKey(info.ID))
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(uploadKey(info.ID), val)
	})
}

// PutUpload overwrites the record for info.ID in a single transaction, so
// concurrent readers see either the previous or the new record.
func (ms *MetadataStore) PutUpload(info UploadInfo) error {
	val, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set(uploadKey(info.ID), val)
	})
}

// GetUpload retrieves an upload record by id.
func (ms *MetadataStore) GetUpload(id string) (UploadInfo, error) {
	var info UploadInfo
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uploadKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return info, ErrNotFound
	}
	return info, err
}

// DeleteUpload removes a record. Deleting a missing record is not an error.
func (ms *MetadataStore) DeleteUpload(id string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(uploadKey(id))
	})
}

// ForEachUpload calls fn for every stored record until fn returns false.
func (ms *MetadataStore) ForEachUpload(fn func(UploadInfo) bool) error {
	return ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(uploadPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info UploadInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			if !fn(info) {
				return nil
			}
		}
		return nil
	})
}
