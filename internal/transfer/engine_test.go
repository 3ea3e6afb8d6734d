package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaywantadh/tusbyte/internal/checksum"
	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRemote wraps another Remote and lets a test intercept appends.
type scriptedRemote struct {
	Remote
	appends  atomic.Int32
	onAppend func(ctx context.Context, call int32, offset uint64, data []byte) (uint64, bool, error)
}

func (r *scriptedRemote) Append(ctx context.Context, uploadURL string, offset uint64, data []byte) (uint64, error) {
	call := r.appends.Add(1)
	if r.onAppend != nil {
		if next, handled, err := r.onAppend(ctx, call, offset, data); handled {
			return next, err
		}
	}
	return r.Remote.Append(ctx, uploadURL, offset, data)
}

type staticRemote struct {
	status RemoteStatus
	err    error
}

func (r *staticRemote) Status(context.Context, string) (RemoteStatus, error) { return r.status, nil }

func (r *staticRemote) Append(context.Context, string, uint64, []byte) (uint64, error) {
	return 0, r.err
}

func (r *staticRemote) Terminate(context.Context, string) error { return nil }

func fastOptions() EngineOptions {
	return EngineOptions{
		ChunkSize:      300,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func sample(n int) []byte {
	return bytes.Repeat([]byte("0123456789"), n/10)
}

func startUpload(t *testing.T, ts *testServer, c *Client, size int) string {
	t.Helper()
	uploadURL, err := c.Create(context.Background(), uint64(size), nil)
	require.NoError(t, err)
	return uploadURL
}

func serverContent(t *testing.T, ts *testServer, uploadURL string) []byte {
	t.Helper()
	resp := tusRequest(t, http.MethodGet, uploadURL, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestEngineUploadsInChunks(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "sha256")
	data := sample(1000)
	uploadURL := startUpload(t, ts, c, len(data))

	var (
		progress []uint64
		success  int
	)
	opts := fastOptions()
	opts.OnProgress = func(uploaded, total uint64) {
		assert.Equal(t, uint64(1000), total)
		progress = append(progress, uploaded)
	}
	opts.OnSuccess = func() { success++ }
	opts.OnError = func(err error) { t.Errorf("unexpected error: %v", err) }

	e := NewEngine(c, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, opts, logging.Discard())
	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, []uint64{300, 600, 900, 1000}, progress)
	assert.Equal(t, 1, success)
	assert.Equal(t, uint64(1000), e.Offset())
	assert.Equal(t, data, serverContent(t, ts, uploadURL))

	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionFinished)
}

func TestEngineResumesFromOffset(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(1000)
	uploadURL := startUpload(t, ts, c, len(data))

	_, err := c.Append(context.Background(), uploadURL, 0, data[:400])
	require.NoError(t, err)

	remote := &scriptedRemote{Remote: c}
	remote.onAppend = func(_ context.Context, _ int32, offset uint64, _ []byte) (uint64, bool, error) {
		assert.GreaterOrEqual(t, offset, uint64(400))
		return 0, false, nil
	}
	e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 400, fastOptions(), logging.Discard())
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, int32(2), remote.appends.Load())
	assert.Equal(t, data, serverContent(t, ts, uploadURL))
}

func TestEnginePauseAndResume(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(1000)
	uploadURL := startUpload(t, ts, c, len(data))

	blocking := make(chan struct{})
	var block atomic.Bool
	block.Store(true)

	remote := &scriptedRemote{Remote: c}
	remote.onAppend = func(ctx context.Context, call int32, _ uint64, _ []byte) (uint64, bool, error) {
		if call == 2 && block.Load() {
			close(blocking)
			<-ctx.Done()
			return 0, true, ctx.Err()
		}
		return 0, false, nil
	}

	var errorsSeen atomic.Int32
	opts := fastOptions()
	opts.OnError = func(error) { errorsSeen.Add(1) }
	e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, opts, logging.Discard())

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()

	<-blocking
	e.Pause()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPaused)
	case <-time.After(2 * time.Second):
		t.Fatal("pause did not interrupt the upload")
	}
	assert.Equal(t, uint64(300), e.Offset())
	assert.Equal(t, int32(0), errorsSeen.Load())

	block.Store(false)
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, data, serverContent(t, ts, uploadURL))
}

func TestEnginePauseBeforeStart(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(1000)
	uploadURL := startUpload(t, ts, c, len(data))

	remote := &scriptedRemote{Remote: c}
	e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())

	e.Pause()
	assert.ErrorIs(t, e.Start(context.Background()), ErrPaused)
	assert.Equal(t, int32(0), remote.appends.Load())

	// The pause is consumed; the next Start uploads.
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, data, serverContent(t, ts, uploadURL))

	// Nothing is left to pause once finished.
	e.Pause()
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionFinished)
}

func TestEngineResumeClearsPendingPause(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(600)
	uploadURL := startUpload(t, ts, c, len(data))

	e := NewEngine(c, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
	e.Pause()
	e.Resume()
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, uint64(600), e.Offset())
}

func TestEngineReconcilesAfterLostAcknowledgement(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(1000)
	uploadURL := startUpload(t, ts, c, len(data))

	remote := &scriptedRemote{Remote: c}
	remote.onAppend = func(ctx context.Context, call int32, offset uint64, data []byte) (uint64, bool, error) {
		if call == 1 {
			// The server stores the chunk but the response never arrives.
			_, err := c.Append(ctx, uploadURL, offset, data)
			require.NoError(t, err)
			return 0, true, &Error{Kind: ErrNetwork, Err: errors.New("connection reset by peer")}
		}
		return 0, false, nil
	}

	e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, data, serverContent(t, ts, uploadURL))
}

func TestEngineConflictWithoutProgressFails(t *testing.T) {
	remote := &staticRemote{
		status: RemoteStatus{Offset: 0, Size: 1000},
		err:    &Error{Kind: ErrOffsetConflict, Status: http.StatusConflict},
	}
	var failed error
	opts := fastOptions()
	opts.OnError = func(err error) { failed = err }

	e := NewEngine(remote, "http://example/files/x", bytes.NewReader(sample(1000)), 1000, 0, opts, logging.Discard())
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrOffsetConflict)
	assert.Equal(t, err, failed)
}

func TestEngineReconcileToCompletedIsSuccess(t *testing.T) {
	remote := &staticRemote{
		status: RemoteStatus{Offset: 1000, Size: 1000},
		err:    &Error{Kind: ErrOffsetConflict, Status: http.StatusConflict},
	}
	succeeded := false
	opts := fastOptions()
	opts.OnSuccess = func() { succeeded = true }

	e := NewEngine(remote, "http://example/files/x", bytes.NewReader(sample(1000)), 1000, 0, opts, logging.Discard())
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, succeeded)
	assert.Equal(t, uint64(1000), e.Offset())
}

func TestEngineRetriesTransientErrors(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(300)
	uploadURL := startUpload(t, ts, c, len(data))

	remote := &scriptedRemote{Remote: c}
	remote.onAppend = func(_ context.Context, call int32, _ uint64, _ []byte) (uint64, bool, error) {
		if call < 3 {
			return 0, true, &Error{Kind: ErrNetwork, Status: http.StatusServiceUnavailable}
		}
		return 0, false, nil
	}

	e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, int32(3), remote.appends.Load())
}

func TestEngineGivesUpAfterBoundedAttempts(t *testing.T) {
	remote := &scriptedRemote{Remote: &staticRemote{}}
	remote.onAppend = func(context.Context, int32, uint64, []byte) (uint64, bool, error) {
		return 0, true, &Error{Kind: ErrNetwork, Err: errors.New("timeout")}
	}

	e := NewEngine(remote, "http://example/files/x", bytes.NewReader(sample(100)), 100, 0, fastOptions(), logging.Discard())
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(3), remote.appends.Load())
	assert.Equal(t, "http://example/files/x", e.URL())
}

func TestEngineChecksumRetriesOnce(t *testing.T) {
	mismatch := &Error{Kind: ErrChecksumMismatch, Status: StatusChecksumMismatch}

	t.Run("recovers", func(t *testing.T) {
		ts := newTestServer(t, 1<<20)
		c := newTestClient(t, ts.endpoint(), "md5")
		data := sample(100)
		uploadURL := startUpload(t, ts, c, len(data))

		remote := &scriptedRemote{Remote: c}
		remote.onAppend = func(_ context.Context, call int32, _ uint64, _ []byte) (uint64, bool, error) {
			if call == 1 {
				return 0, true, mismatch
			}
			return 0, false, nil
		}
		e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
		require.NoError(t, e.Start(context.Background()))
		assert.Equal(t, int32(2), remote.appends.Load())
	})

	t.Run("fails", func(t *testing.T) {
		remote := &scriptedRemote{Remote: &staticRemote{}}
		remote.onAppend = func(context.Context, int32, uint64, []byte) (uint64, bool, error) {
			return 0, true, mismatch
		}
		e := NewEngine(remote, "http://example/files/x", bytes.NewReader(sample(100)), 100, 0, fastOptions(), logging.Discard())
		err := e.Start(context.Background())
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		assert.Equal(t, int32(2), remote.appends.Load())
	})
}

func TestEngineUnknownSessionClearsHandle(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(100)
	uploadURL := startUpload(t, ts, c, len(data))
	require.NoError(t, c.Terminate(context.Background(), uploadURL))

	e := NewEngine(c, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Empty(t, e.URL())

	err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestEngineAbort(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	c := newTestClient(t, ts.endpoint(), "")
	data := sample(1000)
	uploadURL := startUpload(t, ts, c, len(data))

	var once sync.Once
	started := make(chan struct{})
	remote := &scriptedRemote{Remote: c}
	remote.onAppend = func(ctx context.Context, _ int32, _ uint64, _ []byte) (uint64, bool, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return 0, true, ctx.Err()
	}

	e := NewEngine(remote, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()

	<-started
	e.Abort()
	assert.ErrorIs(t, <-done, ErrAborted)
	assert.ErrorIs(t, e.Start(context.Background()), ErrAborted)
}

func TestEngineChecksumHeaderMatchesServer(t *testing.T) {
	for _, alg := range checksum.Algorithms() {
		t.Run(alg, func(t *testing.T) {
			ts := newTestServer(t, 1<<20)
			c := newTestClient(t, ts.endpoint(), alg)
			data := sample(500)
			uploadURL := startUpload(t, ts, c, len(data))

			e := NewEngine(c, uploadURL, bytes.NewReader(data), uint64(len(data)), 0, fastOptions(), logging.Discard())
			require.NoError(t, e.Start(context.Background()))
			assert.Equal(t, data, serverContent(t, ts, uploadURL))
		})
	}
}
