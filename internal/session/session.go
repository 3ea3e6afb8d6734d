// Package session drives the lifecycle of one file upload on the client:
// finding a previous session for the file, asking whether to resume it,
// running the transfer engine and recovering from failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jaywantadh/tusbyte/internal/fingerprint"
	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/jaywantadh/tusbyte/internal/transfer"
	"github.com/sirupsen/logrus"
)

// State of an upload as seen by the user.
type State string

const (
	StateIdle      State = "idle"
	StateCreated   State = "created"
	StateUploading State = "uploading"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Remote is the server API the manager needs. *transfer.Client implements it.
type Remote interface {
	transfer.Remote
	Create(ctx context.Context, size uint64, meta metadata.Pairs) (string, error)
	Endpoint() string
}

// Options configures a Manager.
type Options struct {
	Engine   transfer.EngineOptions
	Decider  Decider
	Retry    RetryPolicy
	Tracker  *transfer.ProgressTracker
	Metadata metadata.Pairs

	OnProgress func(uploaded, total uint64)
}

// Manager owns a single upload. It is safe for concurrent use; Pause and
// Abort may be called while Start runs.
type Manager struct {
	remote  Remote
	store   fingerprint.Store
	opts    Options
	log     logrus.FieldLogger
	tracker *transfer.ProgressTracker

	mu     sync.Mutex
	state  State
	file   fingerprint.FileInfo
	src    io.ReaderAt
	record fingerprint.Record
	engine *transfer.Engine
}

// NewManager creates a manager. A nil Decider always resumes and a nil
// RetryPolicy never retries.
func NewManager(remote Remote, store fingerprint.Store, opts Options, log logrus.FieldLogger) *Manager {
	if opts.Decider == nil {
		opts.Decider = AlwaysResume
	}
	if opts.Retry == nil {
		opts.Retry = NeverRetry
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = transfer.NewProgressTracker()
	}
	return &Manager{
		remote:  remote,
		store:   store,
		opts:    opts,
		log:     log,
		tracker: tracker,
		state:   StateIdle,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UploadURL returns the server session, if any.
func (m *Manager) UploadURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.UploadURL
}

// Offset returns the last acknowledged offset.
func (m *Manager) Offset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return 0
	}
	return m.engine.Offset()
}

// Progress returns the transient progress of the current run.
func (m *Manager) Progress() (transfer.TransferProgress, bool) {
	return m.tracker.GetProgress(m.UploadURL())
}

// Select binds the manager to a file. It looks for a recent session for the
// same file and, if the server still has it unfinished, asks the Decider
// whether to resume it. Otherwise a new session is created.
func (m *Manager) Select(ctx context.Context, file fingerprint.FileInfo, src io.ReaderAt) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: select from %s", ErrInvalidTransition, m.state)
	}
	m.mu.Unlock()

	if file.Size <= 0 {
		return fmt.Errorf("%w: %s is empty", transfer.ErrInvalidSize, file.Name)
	}

	fp := fingerprint.Of(file)
	log := m.log.WithFields(logrus.Fields{"file": file.Name, "fingerprint": fp})

	candidates, err := m.store.Find(fp)
	if err != nil {
		return fmt.Errorf("failed to look up previous uploads: %w", err)
	}

	for _, rec := range candidates {
		if rec.Endpoint != "" && rec.Endpoint != m.remote.Endpoint() {
			continue
		}
		st, usable, err := m.inspect(ctx, rec, uint64(file.Size))
		if err != nil {
			return err
		}
		if !usable {
			continue
		}

		choice, err := m.opts.Decider.Decide(ctx, Candidate{Record: rec, Offset: st.Offset, Size: st.Size})
		if err != nil {
			return err
		}
		if choice == Resume {
			log.WithFields(logrus.Fields{"upload_url": rec.UploadURL, "offset": st.Offset}).Info("Resuming previous upload")
			m.bind(file, src, rec, st.Offset)
			return nil
		}

		log.WithField("upload_url", rec.UploadURL).Info("Discarding previous upload")
		if err := m.store.Remove(rec); err != nil {
			log.WithError(err).Warn("Failed to remove fingerprint record")
		}
		break
	}

	rec, err := m.create(ctx, file, fp)
	if err != nil {
		return err
	}
	m.bind(file, src, rec, 0)
	return nil
}

// inspect checks that a candidate still exists on the server, is unfinished
// and belongs to a file of the same size.
func (m *Manager) inspect(ctx context.Context, rec fingerprint.Record, size uint64) (transfer.RemoteStatus, bool, error) {
	st, err := m.remote.Status(ctx, rec.UploadURL)
	switch {
	case errors.Is(err, transfer.ErrUnknownSession):
		if rerr := m.store.Remove(rec); rerr != nil {
			m.log.WithError(rerr).Warn("Failed to remove fingerprint record")
		}
		return st, false, nil
	case err != nil:
		return st, false, err
	case st.Finished():
		return st, false, nil
	case st.Size != size || st.Offset > size:
		return st, false, nil
	}
	return st, true, nil
}

func (m *Manager) create(ctx context.Context, file fingerprint.FileInfo, fp string) (fingerprint.Record, error) {
	meta := metadata.Pairs{}.Set("filename", file.Name)
	if file.Type != "" {
		meta = meta.Set("filetype", file.Type)
	}
	for _, p := range m.opts.Metadata {
		meta = meta.Set(p.Key, p.Value)
	}

	uploadURL, err := m.remote.Create(ctx, uint64(file.Size), meta)
	if err != nil {
		return fingerprint.Record{}, err
	}

	rec := fingerprint.Record{
		Fingerprint: fp,
		UploadURL:   uploadURL,
		Endpoint:    m.remote.Endpoint(),
		FileName:    file.Name,
		Size:        uint64(file.Size),
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.Add(rec); err != nil {
		// The upload still works, it just cannot be resumed after a restart.
		m.log.WithError(err).Warn("Failed to store fingerprint record")
	}
	m.log.WithFields(logrus.Fields{"file": file.Name, "upload_url": uploadURL}).Info("Upload session created")
	return rec, nil
}

func (m *Manager) bind(file fingerprint.FileInfo, src io.ReaderAt, rec fingerprint.Record, offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = file
	m.src = src
	m.record = rec
	m.engine = m.newEngine(rec.UploadURL, offset)
	m.state = StateCreated
}

// newEngine must be called with m.mu held.
func (m *Manager) newEngine(uploadURL string, offset uint64) *transfer.Engine {
	opts := m.opts.Engine
	userProgress := opts.OnProgress
	opts.OnProgress = func(uploaded, total uint64) {
		m.tracker.UpdateProgress(uploadURL, uploaded, transfer.StatusInProgress)
		if userProgress != nil {
			userProgress(uploaded, total)
		}
		if m.opts.OnProgress != nil {
			m.opts.OnProgress(uploaded, total)
		}
	}
	return transfer.NewEngine(m.remote, uploadURL, m.src, uint64(m.file.Size), offset, opts, m.log)
}

// Start runs the upload until it completes, is paused or aborted, or fails
// and the RetryPolicy gives up.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateCreated, StatePaused:
	case StateCompleted:
		m.mu.Unlock()
		return &transfer.Error{Kind: transfer.ErrSessionFinished}
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	m.state = StateUploading
	engine := m.engine
	// A Pause from here on reaches the engine even before it is running.
	engine.Resume()
	m.mu.Unlock()

	m.tracker.StartTracking(engine.URL(), m.file.Name, engine.Offset(), engine.Size())

	attempt := 0
	for {
		err := engine.Start(ctx)
		if err == nil {
			m.finish(engine)
			return nil
		}

		if stop := m.interrupted(engine, err); stop != nil {
			return stop
		}

		attempt++
		if !m.opts.Retry.Retry(ctx, err, attempt) {
			m.fail(engine, err)
			return err
		}
		m.log.WithFields(logrus.Fields{"attempt": attempt}).WithError(err).Info("Retrying upload")

		if errors.Is(err, transfer.ErrUnknownSession) {
			// The server forgot the session: start over with a new one.
			engine, err = m.recreate(ctx)
			if err != nil {
				m.fail(nil, err)
				return err
			}
		}
		if stop := m.interrupted(engine, nil); stop != nil {
			return stop
		}
	}
}

// interrupted reports why Start must return early because Pause or Abort
// was called, or nil to carry on.
func (m *Manager) interrupted(engine *transfer.Engine, err error) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch {
	case state == StateAborted || errors.Is(err, transfer.ErrAborted):
		return &transfer.Error{Kind: transfer.ErrAborted}
	case state == StatePaused || errors.Is(err, transfer.ErrPaused):
		m.tracker.UpdateProgress(engine.URL(), engine.Offset(), transfer.StatusPaused)
		return transfer.ErrPaused
	}
	return nil
}

func (m *Manager) recreate(ctx context.Context) (*transfer.Engine, error) {
	m.mu.Lock()
	old, file := m.record, m.file
	m.mu.Unlock()

	m.tracker.RemoveTransfer(old.UploadURL)
	if err := m.store.Remove(old); err != nil {
		m.log.WithError(err).Warn("Failed to remove fingerprint record")
	}

	rec, err := m.create(ctx, file, old.Fingerprint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAborted {
		return nil, &transfer.Error{Kind: transfer.ErrAborted}
	}
	m.record = rec
	m.engine = m.newEngine(rec.UploadURL, 0)
	m.tracker.StartTracking(rec.UploadURL, file.Name, 0, uint64(file.Size))
	return m.engine, nil
}

func (m *Manager) finish(engine *transfer.Engine) {
	m.mu.Lock()
	m.state = StateCompleted
	m.mu.Unlock()

	fields := logrus.Fields{"upload_url": engine.URL()}
	m.tracker.UpdateProgress(engine.URL(), engine.Offset(), transfer.StatusCompleted)
	if p, ok := m.tracker.GetProgress(engine.URL()); ok {
		fields["summary"] = p.String()
	}
	// Per-run progress is transient; the fingerprint record stays so the
	// file is recognised as already uploaded.
	m.tracker.RemoveTransfer(engine.URL())
	m.log.WithFields(fields).Info("Upload completed")
}

func (m *Manager) fail(engine *transfer.Engine, err error) {
	m.mu.Lock()
	if m.state != StateAborted {
		m.state = StateFailed
	}
	m.mu.Unlock()
	if engine != nil {
		m.tracker.UpdateProgress(engine.URL(), engine.Offset(), transfer.StatusFailed)
	}
	m.log.WithError(err).Warn("Upload failed")
}

// Pause interrupts a running upload; Start resumes it.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUploading {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, m.state)
	}
	m.state = StatePaused
	m.engine.Pause()
	return nil
}

// Abort stops the upload for good, terminates the server session and
// forgets the fingerprint record.
func (m *Manager) Abort(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUploading && m.state != StatePaused {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: abort from %s", ErrInvalidTransition, state)
	}
	m.state = StateAborted
	engine, rec := m.engine, m.record
	m.mu.Unlock()

	engine.Abort()
	m.tracker.RemoveTransfer(rec.UploadURL)

	if err := m.store.Remove(rec); err != nil {
		m.log.WithError(err).Warn("Failed to remove fingerprint record")
	}
	if err := m.remote.Terminate(ctx, rec.UploadURL); err != nil && !errors.Is(err, transfer.ErrUnknownSession) {
		return fmt.Errorf("failed to terminate upload: %w", err)
	}
	m.log.WithField("upload_url", rec.UploadURL).Info("Upload aborted")
	return nil
}
