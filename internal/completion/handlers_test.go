package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jaywantadh/tusbyte/internal/compressor"
	"github.com/jaywantadh/tusbyte/internal/encryptor"
	"github.com/jaywantadh/tusbyte/internal/storage"
	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeWith(t *testing.T, id, content string) *storage.LocalStorage {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Create(id))
	_, err = s.WriteChunk(id, 0, strings.NewReader(content))
	require.NoError(t, err)
	return s
}

func TestDestinationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"movie.mp4", "movie.mp4"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\doc.txt`, "doc.txt"},
		{"", "u1"},
		{"..", "u1"},
		{"/", "u1"},
	}
	for _, tc := range tests {
		ev := Event{UploadID: "u1", Metadata: map[string]string{"filename": tc.filename}}
		assert.Equal(t, tc.want, DestinationName(ev), tc.filename)
	}
}

func TestRelocator_CopiesFinishedUpload(t *testing.T) {
	store := storeWith(t, "u1", "finished bytes")
	dest := t.TempDir()

	r, err := NewRelocator(store, RelocateOptions{Dir: dest}, logging.Discard())
	require.NoError(t, err)

	ev := Event{UploadID: "u1", Metadata: map[string]string{"filename": "report.txt"}, FinalSize: 14}
	require.NoError(t, r.HandleCompletion(context.Background(), ev))

	data, err := os.ReadFile(filepath.Join(dest, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "finished bytes", string(data))

	// the upload itself stays in place for downloads
	_, err = store.Size("u1")
	assert.NoError(t, err)
}

func TestRelocator_CompressesUnlessMedia(t *testing.T) {
	content := strings.Repeat("log line\n", 1000)
	store := storeWith(t, "u1", content)
	dest := t.TempDir()

	r, err := NewRelocator(store, RelocateOptions{Dir: dest, Compress: true}, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, r.HandleCompletion(context.Background(), Event{UploadID: "u1", Metadata: map[string]string{"filename": "app.log"}}))

	f, err := os.Open(filepath.Join(dest, "app.log"+compressor.Extension))
	require.NoError(t, err)
	defer f.Close()
	var out bytes.Buffer
	_, err = compressor.Decompress(&out, f)
	require.NoError(t, err)
	assert.Equal(t, content, out.String())

	require.NoError(t, r.HandleCompletion(context.Background(), Event{UploadID: "u1", Metadata: map[string]string{"filename": "clip.mp4"}}))
	_, err = os.Stat(filepath.Join(dest, "clip.mp4"))
	assert.NoError(t, err)
}

func TestRelocator_CompressesAndEncrypts(t *testing.T) {
	content := strings.Repeat("ledger row\n", 500)
	store := storeWith(t, "u1", content)
	dest := t.TempDir()

	r, err := NewRelocator(store, RelocateOptions{Dir: dest, Compress: true, Passphrase: "pw"}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, r.HandleCompletion(context.Background(), Event{UploadID: "u1", Metadata: map[string]string{"filename": "ledger.csv"}}))

	sealed, err := os.ReadFile(filepath.Join(dest, "ledger.csv"+compressor.Extension+encryptor.Extension))
	require.NoError(t, err)

	var compressed, out bytes.Buffer
	_, err = encryptor.Decrypt(&compressed, bytes.NewReader(sealed), "pw")
	require.NoError(t, err)
	_, err = compressor.Decompress(&out, &compressed)
	require.NoError(t, err)
	assert.Equal(t, content, out.String())
}

func TestRelocator_MissingUpload(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r, err := NewRelocator(store, RelocateOptions{Dir: t.TempDir()}, logging.Discard())
	require.NoError(t, err)

	err = r.HandleCompletion(context.Background(), Event{UploadID: "gone"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Archiver_PutsObject(t *testing.T) {
	store := storeWith(t, "u1", "archived")
	client := &fakeS3{}
	a := NewS3Archiver(client, store, "bucket", "uploads/", logging.Discard())

	ev := Event{UploadID: "u1", FinalSize: 8, Metadata: map[string]string{"filename": "a.bin", "filetype": "application/octet-stream"}}
	require.NoError(t, a.HandleCompletion(context.Background(), ev))

	require.NotNil(t, client.input)
	assert.Equal(t, "bucket", *client.input.Bucket)
	assert.Equal(t, "uploads/u1/a.bin", *client.input.Key)
	assert.Equal(t, int64(8), *client.input.ContentLength)
	assert.Equal(t, "application/octet-stream", *client.input.ContentType)
	assert.Equal(t, "archived", string(client.body))
}

func TestS3Archiver_PropagatesError(t *testing.T) {
	store := storeWith(t, "u1", "x")
	a := NewS3Archiver(&fakeS3{err: errors.New("access denied")}, store, "bucket", "", logging.Discard())

	err := a.HandleCompletion(context.Background(), Event{UploadID: "u1", FinalSize: 1})
	assert.ErrorContains(t, err, "access denied")
}

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifier_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, "tusbyte:completed")

	ev := Event{UploadID: "u1", FinalSize: 1000, Metadata: map[string]string{"filename": "a"}}
	require.NoError(t, n.HandleCompletion(context.Background(), ev))

	assert.Equal(t, "tusbyte:completed", pub.channel)
	var got Event
	require.NoError(t, json.Unmarshal(pub.message, &got))
	assert.Equal(t, "u1", got.UploadID)
	assert.Equal(t, uint64(1000), got.FinalSize)

	pub.err = errors.New("connection refused")
	assert.ErrorContains(t, n.HandleCompletion(context.Background(), ev), "connection refused")
}
