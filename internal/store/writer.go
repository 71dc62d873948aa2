package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/workspace/session-router/internal/retry"
)

// ErrQueueFull is returned when the writer cannot accept more work.
var ErrQueueFull = errors.New("store writer queue full")

// Writer is the write side of the store as used by the router.
type Writer interface {
	EnsureConversation(id, title string) error
	SaveMessage(Message) error
	MergeMessage(Message) error
	AppendToolResult(ToolResult) error
	UpdateConversation(ConversationUpdate) error
}

// AsyncWriter applies writes on a single background goroutine, in
// submission order, so callers on the event path never wait on SQLite.
// Failed writes are logged and dropped.
//
// All methods on *AsyncWriter are nil-safe: a nil receiver is a no-op.
type AsyncWriter struct {
	target Writer
	logger *slog.Logger
	retry  retry.Config

	mu     sync.Mutex
	closed bool
	queue  chan job
	doneC  chan struct{}
	// flushers counts Flush calls blocked sending outside mu. Shutdown
	// waits for them before closing the queue.
	flushers sync.WaitGroup
}

type job struct {
	name string
	id   string
	fn   func() error
}

// NewAsyncWriter starts a writer draining into target.
func NewAsyncWriter(target Writer, buffer int, logger *slog.Logger) *AsyncWriter {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &AsyncWriter{
		target: target,
		logger: logger.With("component", "store-writer"),
		retry:  retry.Local(),
		queue:  make(chan job, buffer),
		doneC:  make(chan struct{}),
	}
	w.retry.Logger = w.logger
	go w.loop()
	return w
}

func (w *AsyncWriter) loop() {
	defer close(w.doneC)
	for j := range w.queue {
		err := retry.Do(context.Background(), w.retry, j.name, func(context.Context) error {
			err := j.fn()
			if err != nil && !isBusy(err) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			w.logger.Warn("Store write failed (non-blocking)", "op", j.name, "id", j.id, "error", err)
		}
	}
}

// isBusy reports a lock conflict on the database file, which clears once
// the other writer commits.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (w *AsyncWriter) submit(name, id string, fn func() error) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("store writer closed")
	}
	select {
	case w.queue <- job{name: name, id: id, fn: fn}:
		return nil
	default:
		w.logger.Warn("Store writer queue full, dropping write", "op", name, "id", id)
		return ErrQueueFull
	}
}

func (w *AsyncWriter) EnsureConversation(id, title string) error {
	return w.submit("ensure_conversation", id, func() error { return w.target.EnsureConversation(id, title) })
}

func (w *AsyncWriter) SaveMessage(m Message) error {
	return w.submit("save_message", m.ID, func() error { return w.target.SaveMessage(m) })
}

func (w *AsyncWriter) MergeMessage(m Message) error {
	return w.submit("merge_message", m.ID, func() error { return w.target.MergeMessage(m) })
}

func (w *AsyncWriter) AppendToolResult(r ToolResult) error {
	return w.submit("append_tool_result", r.ToolCallID, func() error { return w.target.AppendToolResult(r) })
}

func (w *AsyncWriter) UpdateConversation(u ConversationUpdate) error {
	return w.submit("update_conversation", u.ID, func() error { return w.target.UpdateConversation(u) })
}

// Flush blocks until every write submitted before the call has been applied.
func (w *AsyncWriter) Flush() {
	if w == nil {
		return
	}
	done := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.flushers.Add(1)
	w.mu.Unlock()

	w.queue <- job{name: "flush", fn: func() error { close(done); return nil }}
	w.flushers.Done()
	<-done
}

// Shutdown stops accepting writes, drains the queue and waits for the
// background goroutine to exit.
func (w *AsyncWriter) Shutdown() {
	if w == nil {
		return
	}
	w.mu.Lock()
	first := !w.closed
	w.closed = true
	w.mu.Unlock()
	if first {
		w.flushers.Wait()
		close(w.queue)
	}
	<-w.doneC
}
