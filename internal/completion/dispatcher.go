// Package completion delivers finished uploads to their consumers.
//
// The upload service calls Dispatch once per session, at the moment the
// final byte is acknowledged. Handlers run in registration order on a small
// worker pool; a failing handler is logged and never affects the session.
package completion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/sirupsen/logrus"
)

// Event describes a finished upload.
type Event struct {
	UploadID    string            `json:"upload_id"`
	Metadata    map[string]string `json:"metadata"`
	FinalSize   uint64            `json:"final_size"`
	CompletedAt time.Time         `json:"completed_at"`
}

// NewEvent builds the event for a completed upload record.
func NewEvent(info metadata.UploadInfo) Event {
	return Event{
		UploadID:    info.ID,
		Metadata:    info.Metadata.Map(),
		FinalSize:   info.Offset,
		CompletedAt: info.CompletedAt,
	}
}

// Handler consumes completion events.
type Handler interface {
	Name() string
	HandleCompletion(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Name() string { return "func" }

func (f HandlerFunc) HandleCompletion(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Dispatcher fans completion events out to the registered handlers.
type Dispatcher struct {
	log     logrus.FieldLogger
	timeout time.Duration
	wg      sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []Handler

	// stateMu guards queue and closed. Workers never take it, so a Dispatch
	// blocked on a full queue cannot deadlock a concurrent Close.
	stateMu sync.RWMutex
	queue   chan Event
	closed  bool
}

// NewDispatcher starts workers goroutines. With workers == 0 every event is
// handled synchronously inside Dispatch.
func NewDispatcher(log logrus.FieldLogger, workers int, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{log: log, timeout: timeout}
	if workers <= 0 {
		return d
	}

	d.queue = make(chan Event, workers*16)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.run(ev)
			}
		}()
	}
	return d
}

// OnFinish appends handlers to the ordered handler list.
func (d *Dispatcher) OnFinish(handlers ...Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers = append(d.handlers, handlers...)
}

// Dispatch hands ev to the handlers. Events dispatched after Close are dropped.
func (d *Dispatcher) Dispatch(ev Event) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()

	if d.closed {
		d.log.WithField("upload_id", ev.UploadID).Warn("Dispatcher closed, completion event dropped")
		return
	}
	if d.queue == nil {
		d.run(ev)
		return
	}
	d.queue <- ev
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.stateMu.Lock()
	if d.closed {
		d.stateMu.Unlock()
		return
	}
	d.closed = true
	if d.queue != nil {
		close(d.queue)
	}
	d.stateMu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) run(ev Event) {
	d.handlersMu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.handlersMu.RUnlock()

	for _, h := range handlers {
		fields := logrus.Fields{"upload_id": ev.UploadID, "handler": h.Name()}
		if err := d.invoke(h, ev); err != nil {
			d.log.WithFields(fields).WithError(err).Error("Completion handler failed")
			continue
		}
		d.log.WithFields(fields).Debug("Completion handler finished")
	}
}

func (d *Dispatcher) invoke(h Handler, ev Event) (err error) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.HandleCompletion(ctx, ev)
}
