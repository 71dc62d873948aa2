// Package enginetest provides a scripted engine for tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/workspace/session-router/internal/engine"
)

// Fake is an engine whose runs are driven by the test.
type Fake struct {
	mu   sync.Mutex
	runs []*Run
	// Err, when set, is returned by Run without starting anything.
	Err error

	started chan *Run
}

// New creates a fake engine.
func New() *Fake {
	return &Fake{started: make(chan *Run, 64)}
}

// Run is one scripted engine run.
type Run struct {
	Req    engine.Request
	ctx    context.Context
	events chan engine.Event

	mu     sync.Mutex
	closed bool
}

func (f *Fake) Run(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	r := &Run{Req: req, ctx: ctx, events: make(chan engine.Event)}
	f.mu.Lock()
	f.runs = append(f.runs, r)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		r.Finish()
	}()
	f.started <- r
	return r.events, nil
}

// Runs returns every run started so far.
func (f *Fake) Runs() []*Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Run, len(f.runs))
	copy(out, f.runs)
	return out
}

// Next waits for the next started run.
func (f *Fake) Next(timeout time.Duration) *Run {
	select {
	case r := <-f.started:
		return r
	case <-time.After(timeout):
		return nil
	}
}

// Emit delivers an event, blocking until it is consumed. It returns false
// once the run was cancelled or finished.
func (r *Run) Emit(ev engine.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Finish closes the event stream.
func (r *Run) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

// Approve calls the run's approval callback as the engine would before a
// tool invocation.
func (r *Run) Approve(call engine.ToolCall) engine.Decision {
	if r.Req.Approve == nil {
		return engine.Allow()
	}
	return r.Req.Approve(r.ctx, call)
}

// Done is closed when the run's context is cancelled.
func (r *Run) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Cancelled reports whether the run's context was cancelled.
func (r *Run) Cancelled() bool {
	return r.ctx.Err() != nil
}
