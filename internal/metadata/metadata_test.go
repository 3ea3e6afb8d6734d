package metadata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataStoreCRUD(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uploads_db")

	store, err := OpenMetadataStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	info := UploadInfo{
		ID:        "u1",
		Size:      1000,
		Metadata:  Pairs{{Key: "filename", Value: "movie.mp4"}, {Key: "filetype", Value: "video/mp4"}},
		State:     StateActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateUpload(info))
	assert.ErrorIs(t, store.CreateUpload(info), ErrExists)

	got, err := store.GetUpload("u1")
	require.NoError(t, err)
	assert.Equal(t, info.Size, got.Size)
	assert.Equal(t, info.Metadata, got.Metadata)

	got.Offset = 500
	require.NoError(t, store.PutUpload(got))

	got, err = store.GetUpload("u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Offset)

	require.NoError(t, store.DeleteUpload("u1"))
	_, err = store.GetUpload("u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadataStoreSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uploads_db")

	store, err := OpenMetadataStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.CreateUpload(UploadInfo{ID: "persist", Size: 10, Offset: 4, State: StateActive}))
	require.NoError(t, store.Close())

	store, err = OpenMetadataStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetUpload("persist")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Offset)
}

func TestForEachUpload(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateUpload(UploadInfo{ID: id, State: StateActive}))
	}

	var ids []string
	require.NoError(t, store.ForEachUpload(func(u UploadInfo) bool {
		ids = append(ids, u.ID)
		return true
	}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

	count := 0
	require.NoError(t, store.ForEachUpload(func(UploadInfo) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestUploadInfoExpired(t *testing.T) {
	now := time.Now()
	u := UploadInfo{State: StateActive, ExpiresAt: now.Add(-time.Second)}
	assert.True(t, u.Expired(now))

	u.State = StateCompleted
	assert.False(t, u.Expired(now))

	u = UploadInfo{State: StateActive}
	assert.False(t, u.Expired(now))
}
