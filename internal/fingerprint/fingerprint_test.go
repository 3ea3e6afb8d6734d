package fingerprint

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	mod := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a := Fingerprint("movie.mp4", 1000, "video/mp4", mod)
	b := Fingerprint("movie.mp4", 1000, "video/mp4", mod)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Fingerprint("movie.mp4", 1001, "video/mp4", mod))
	assert.NotEqual(t, a, Fingerprint("movie2.mp4", 1000, "video/mp4", mod))
	assert.NotEqual(t, a, Fingerprint("movie.mp4", 1000, "video/webm", mod))
	assert.NotEqual(t, a, Fingerprint("movie.mp4", 1000, "video/mp4", mod.Add(time.Second)))
}

func TestStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	fi, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "notes.json", fi.Name)
	assert.Equal(t, int64(2), fi.Size)
	assert.Contains(t, fi.Type, "json")
	assert.Equal(t, Of(fi), Of(fi))

	_, err = Stat(t.TempDir())
	assert.Error(t, err)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func openStore(t *testing.T, c *clock) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore(t.TempDir(), logging.Discard(), WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFindRespectsWindow(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &clock{now: start}
	s := openStore(t, c)

	fp := Fingerprint("a.bin", 10, "", start)
	require.NoError(t, s.Add(Record{Fingerprint: fp, UploadURL: "http://h/files/1", CreatedAt: start}))

	c.Set(start.Add(2 * time.Hour))
	recs, err := s.Find(fp)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "http://h/files/1", recs[0].UploadURL)

	c.Set(start.Add(4 * time.Hour))
	recs, err = s.Find(fp)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Pruned: still gone after the clock is rewound.
	c.Set(start.Add(time.Hour))
	recs, err = s.Find(fp)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFindNewestFirst(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &clock{now: start.Add(90 * time.Minute)}
	s := openStore(t, c)

	fp := Fingerprint("a.bin", 10, "", start)
	other := Fingerprint("b.bin", 10, "", start)
	for i, url := range []string{"u1", "u2", "u3"} {
		require.NoError(t, s.Add(Record{Fingerprint: fp, UploadURL: url, CreatedAt: start.Add(time.Duration(i) * 30 * time.Minute)}))
	}
	require.NoError(t, s.Add(Record{Fingerprint: other, UploadURL: "x"}))

	recs, err := s.Find(fp)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"u3", "u2", "u1"}, []string{recs[0].UploadURL, recs[1].UploadURL, recs[2].UploadURL})

	require.NoError(t, s.Remove(recs[0]))
	recs, err = s.Find(fp)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, "u2", recs[0].UploadURL)

	require.NoError(t, s.Remove(Record{Fingerprint: fp, UploadURL: "never", CreatedAt: start}))
}

func TestAddValidates(t *testing.T) {
	s := openStore(t, &clock{now: time.Now()})
	assert.Error(t, s.Add(Record{UploadURL: "u"}))
	assert.Error(t, s.Add(Record{Fingerprint: "fp"}))
}

func TestStoreConcurrentUse(t *testing.T) {
	c := &clock{now: time.Now()}
	s := openStore(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := Record{Fingerprint: "fp", UploadURL: string(rune('a' + i)), CreatedAt: c.Now().Add(-time.Duration(i) * time.Minute)}
			assert.NoError(t, s.Add(rec))
			_, err := s.Find("fp")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	recs, err := s.Find("fp")
	require.NoError(t, err)
	assert.Len(t, recs, 8)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	s, err := OpenPebbleStore(dir, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Add(Record{Fingerprint: "fp", UploadURL: "u", CreatedAt: now}))
	require.NoError(t, s.Close())

	s, err = OpenPebbleStore(dir, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Find("fp")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CreatedAt.Equal(now))
}
