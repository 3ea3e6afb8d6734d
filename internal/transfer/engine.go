package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jaywantadh/tusbyte/internal/chunker"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// ErrPaused is returned by Start when Pause interrupted the run.
var ErrPaused = errors.New("upload paused")

// ErrAlreadyRunning is returned by Start while another Start is in progress.
var ErrAlreadyRunning = errors.New("upload already running")

// Remote is the server API an Engine drives. *Client implements it.
type Remote interface {
	Status(ctx context.Context, uploadURL string) (RemoteStatus, error)
	Append(ctx context.Context, uploadURL string, offset uint64, data []byte) (uint64, error)
	Terminate(ctx context.Context, uploadURL string) error
}

// EngineOptions tunes chunking, retries and callbacks.
type EngineOptions struct {
	// ChunkSize fixes the chunk size. Zero derives it from the file size.
	ChunkSize int64
	// MaxChunkSize caps derived chunk sizes.
	MaxChunkSize int64

	// RetryAttempts is the total number of tries for a transient failure.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	OnProgress func(uploaded, total uint64)
	OnSuccess  func()
	OnError    func(err error)
}

// Engine moves one file to one upload session, chunk by chunk, always
// starting at the last offset the server acknowledged.
type Engine struct {
	remote Remote
	src    io.ReaderAt
	size   uint64
	opts   EngineOptions
	log    logrus.FieldLogger

	mu           sync.Mutex
	uploadURL    string
	offset       uint64
	running      bool
	cancel       context.CancelFunc
	paused       bool
	pausePending bool
	aborted      bool
	finished     bool
}

// NewEngine prepares a transfer of size bytes from src to uploadURL,
// resuming at offset.
func NewEngine(remote Remote, uploadURL string, src io.ReaderAt, size, offset uint64, opts EngineOptions, log logrus.FieldLogger) *Engine {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.SizeFor(int64(size), opts.MaxChunkSize)
	}
	return &Engine{
		remote:    remote,
		src:       src,
		size:      size,
		opts:      opts,
		log:       log.WithField("upload_url", uploadURL),
		uploadURL: uploadURL,
		offset:    offset,
	}
}

// URL is the upload session, empty once the server no longer knows it.
func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploadURL
}

// Offset is the last acknowledged offset.
func (e *Engine) Offset() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Size is the total number of bytes to transfer.
func (e *Engine) Size() uint64 {
	return e.size
}

// Start uploads until the file is complete, Pause or Abort is called, ctx
// ends or an unrecoverable error occurs. It returns nil on success,
// ErrPaused after Pause and an ErrAborted error after Abort.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.aborted:
		e.mu.Unlock()
		return &Error{Kind: ErrAborted}
	case e.finished:
		e.mu.Unlock()
		return &Error{Kind: ErrSessionFinished}
	case e.running:
		e.mu.Unlock()
		return ErrAlreadyRunning
	case e.uploadURL == "":
		e.mu.Unlock()
		return &Error{Kind: ErrUnknownSession, Err: errors.New("no upload session")}
	case e.pausePending:
		e.pausePending = false
		offset := e.offset
		e.mu.Unlock()
		e.log.WithField("offset", offset).Info("Upload paused before it started")
		return ErrPaused
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.paused = false
	e.cancel = cancel
	uploadURL, offset := e.uploadURL, e.offset
	e.mu.Unlock()

	err := e.run(runCtx, uploadURL, offset)
	cancel()

	e.mu.Lock()
	e.running = false
	e.cancel = nil
	paused, aborted := e.paused, e.aborted
	if err == nil {
		e.finished = true
	} else if errors.Is(err, ErrUnknownSession) && !paused && !aborted {
		e.uploadURL = ""
	}
	e.mu.Unlock()

	switch {
	case err == nil:
		e.log.WithField("size", e.size).Info("Upload finished")
		if e.opts.OnSuccess != nil {
			e.opts.OnSuccess()
		}
		return nil
	case aborted:
		return &Error{Kind: ErrAborted}
	case paused:
		e.log.WithField("offset", e.Offset()).Info("Upload paused")
		return ErrPaused
	}

	e.log.WithError(err).Warn("Upload failed")
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
	return err
}

// Pause interrupts the in-flight chunk. The acknowledged offset is kept
// and a later Start resumes from it. A Pause that arrives while the engine
// is idle makes the next Start return ErrPaused without sending anything.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.running && e.cancel != nil:
		e.paused = true
		e.cancel()
	case !e.finished && !e.aborted:
		e.pausePending = true
	}
}

// Resume drops a Pause that has not taken effect yet.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.pausePending = false
	e.mu.Unlock()
}

// Abort stops the engine for good. The server session is left alone; use
// Remote.Terminate to discard it.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) run(ctx context.Context, uploadURL string, offset uint64) error {
	reconciled := false
	for offset < e.size {
		chunk, err := chunker.Next(e.src, offset, e.size, e.opts.ChunkSize)
		if err != nil {
			return err
		}

		next, err := e.send(ctx, uploadURL, chunk)
		if errors.Is(err, ErrOffsetConflict) && !reconciled {
			// The server holds a different offset, typically because an
			// acknowledgement was lost. Adopt it once.
			reconciled = true
			st, serr := e.status(ctx, uploadURL)
			if serr != nil {
				return serr
			}
			if st.Size != 0 && st.Size != e.size {
				return &Error{Kind: ErrProtocol, Err: fmt.Errorf("server reports size %d, local file has %d", st.Size, e.size)}
			}
			if st.Offset > e.size {
				return &Error{Kind: ErrProtocol, Err: fmt.Errorf("server offset %d beyond size %d", st.Offset, e.size)}
			}
			e.log.WithFields(logrus.Fields{"local": offset, "remote": st.Offset}).Info("Offset reconciled")
			offset = st.Offset
			e.acknowledge(offset)
			continue
		}
		if err != nil {
			return err
		}
		if next <= offset {
			return &Error{Kind: ErrProtocol, Err: fmt.Errorf("server made no progress at offset %d", offset)}
		}

		reconciled = false
		offset = next
		e.acknowledge(offset)
	}
	return nil
}

func (e *Engine) acknowledge(offset uint64) {
	e.mu.Lock()
	e.offset = offset
	e.mu.Unlock()
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(offset, e.size)
	}
}

// send delivers one chunk. A checksum rejection re-reads the range from the
// source and tries once more.
func (e *Engine) send(ctx context.Context, uploadURL string, chunk chunker.Chunk) (uint64, error) {
	retried := false
	for {
		var next uint64
		err := e.withRetry(ctx, "append", func(ctx context.Context) error {
			n, err := e.remote.Append(ctx, uploadURL, chunk.Offset, chunk.Data)
			next = n
			return err
		})
		if errors.Is(err, ErrChecksumMismatch) && !retried {
			retried = true
			e.log.WithField("offset", chunk.Offset).Warn("Checksum mismatch, re-reading chunk")
			data, rerr := chunker.ReadRange(e.src, chunk.Offset, len(chunk.Data))
			if rerr != nil {
				return 0, rerr
			}
			chunk.Data = data
			continue
		}
		return next, err
	}
}

func (e *Engine) status(ctx context.Context, uploadURL string) (RemoteStatus, error) {
	var st RemoteStatus
	err := e.withRetry(ctx, "status", func(ctx context.Context) error {
		s, err := e.remote.Status(ctx, uploadURL)
		st = s
		return err
	})
	return st, err
}

// withRetry repeats fn with exponential backoff while it fails with a
// transient error.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(e.opts.RetryBaseDelay)
	b = retry.WithCappedDuration(e.opts.RetryMaxDelay, b)
	b = retry.WithMaxRetries(uint64(e.opts.RetryAttempts-1), b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var te *Error
		if errors.As(err, &te) && te.Temporary() {
			e.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).WithError(err).Debug("Transient failure")
			return retry.RetryableError(err)
		}
		return err
	})
}
