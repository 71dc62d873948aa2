// Package query owns the per-conversation engine runs: at most one running
// handle per conversation, a global ceiling on running handles, and
// grace-period eviction of finished handles.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/session-router/internal/clock"
	"github.com/workspace/session-router/internal/engine"
)

// ErrLimitExceeded is returned by Start when the running-handle ceiling is
// reached. No engine call is made.
var ErrLimitExceeded = errors.New("concurrent query limit exceeded")

// DefaultGracePeriod is how long a finished handle stays queryable.
const DefaultGracePeriod = 5 * time.Minute

// Config configures a Manager.
type Config struct {
	// MaxConcurrent caps running handles. Zero or negative means unlimited.
	MaxConcurrent int
	GracePeriod   time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

type handle struct {
	conversationID string
	generation     uint64
	resumeID       string
	cancel         context.CancelFunc
	running        bool
	done           chan struct{}
	evict          clock.Timer
}

// Manager tracks query handles by conversation id.
type Manager struct {
	engine engine.Engine
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	handles    map[string]*handle
	running    int
	generation uint64
}

// NewManager creates a Manager running queries on eng.
func NewManager(eng engine.Engine, cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:  eng,
		cfg:     cfg,
		logger:  logger.With("component", "query"),
		handles: make(map[string]*handle),
	}
}

// Stream is the event side of one started run.
type Stream struct {
	ConversationID string
	Generation     uint64

	events <-chan engine.Event
	m      *Manager
	h      *handle
}

// Events returns the run's events. The channel closes when the run ends,
// fails, or is aborted.
func (s *Stream) Events() <-chan engine.Event { return s.events }

// Abort cancels this run. It returns false if the run already stopped.
func (s *Stream) Abort() bool {
	return s.m.abortHandle(s.h, "stream")
}

// ResumeID returns the latest resume id seen by this run.
func (s *Stream) ResumeID() string {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.h.resumeID
}

// Start begins a run for req.ConversationID. A running handle for the same
// conversation is cancelled and drained first. The ceiling check excludes
// that handle since it is being replaced.
func (m *Manager) Start(ctx context.Context, req engine.Request) (*Stream, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("start query: conversation id is required")
	}

	m.mu.Lock()
	prev := m.handles[req.ConversationID]
	others := m.running
	if prev != nil && prev.running {
		others--
	}
	if m.cfg.MaxConcurrent > 0 && others >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		m.logger.Warn("Query rejected at concurrency limit", "conversationID", req.ConversationID, "running", others, "max", m.cfg.MaxConcurrent)
		return nil, ErrLimitExceeded
	}

	var prevDone chan struct{}
	if prev != nil {
		if prev.evict != nil {
			prev.evict.Stop()
			prev.evict = nil
		}
		if prev.running {
			prev.running = false
			m.running--
			prev.cancel()
			prevDone = prev.done
			m.logger.Info("Superseding running query", "conversationID", req.ConversationID, "generation", prev.generation)
		}
		if req.ResumeID == "" {
			req.ResumeID = prev.resumeID
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.generation++
	h := &handle{
		conversationID: req.ConversationID,
		generation:     m.generation,
		resumeID:       req.ResumeID,
		cancel:         cancel,
		running:        true,
		done:           make(chan struct{}),
	}
	m.handles[req.ConversationID] = h
	m.running++
	m.mu.Unlock()

	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			m.finish(h)
			close(h.done)
			return nil, fmt.Errorf("wait for superseded query: %w", ctx.Err())
		}
	}

	events, err := m.engine.Run(runCtx, req)
	if err != nil {
		m.finish(h)
		close(h.done)
		return nil, fmt.Errorf("start engine: %w", err)
	}

	out := make(chan engine.Event)
	go m.pump(runCtx, h, events, out)

	m.logger.Info("Query started", "conversationID", req.ConversationID, "generation", h.generation)
	return &Stream{
		ConversationID: req.ConversationID,
		Generation:     h.generation,
		events:         out,
		m:              m,
		h:              h,
	}, nil
}

// pump forwards engine events until the engine closes its channel or the
// run is cancelled. Nothing is forwarded after cancellation.
func (m *Manager) pump(ctx context.Context, h *handle, in <-chan engine.Event, out chan<- engine.Event) {
	defer func() {
		close(out)
		m.finish(h)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.ResumeID != "" {
				m.mu.Lock()
				h.resumeID = ev.ResumeID
				m.mu.Unlock()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// finish marks h idle and schedules its eviction.
func (m *Manager) finish(h *handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.cancel()
	if h.running {
		h.running = false
		m.running--
	}
	if m.handles[h.conversationID] != h || h.evict != nil {
		return
	}
	h.evict = m.cfg.Clock.AfterFunc(m.cfg.GracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur := m.handles[h.conversationID]; cur == h && !h.running {
			delete(m.handles, h.conversationID)
			m.logger.Debug("Evicted idle query handle", "conversationID", h.conversationID)
		}
	})
}

func (m *Manager) abortHandle(h *handle, source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.running {
		return false
	}
	h.running = false
	m.running--
	h.cancel()
	m.logger.Info("Query aborted", "conversationID", h.conversationID, "generation", h.generation, "source", source)
	return true
}

// Abort cancels the running handle for conversationID. It returns false when
// nothing was running.
func (m *Manager) Abort(conversationID string) bool {
	m.mu.Lock()
	h := m.handles[conversationID]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	return m.abortHandle(h, "abort")
}

// IsRunning reports whether conversationID has a running handle.
func (m *Manager) IsRunning(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[conversationID]
	return h != nil && h.running
}

// Known reports whether a handle, running or within its grace period, exists.
func (m *Manager) Known(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[conversationID]
	return ok
}

// ResumeID returns the last resume id recorded for conversationID.
func (m *Manager) ResumeID(conversationID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handles[conversationID]; h != nil {
		return h.resumeID
	}
	return ""
}

// Running returns the number of running handles.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Release drops an idle handle right away. Running handles are left alone.
func (m *Manager) Release(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[conversationID]
	if h == nil || h.running {
		return false
	}
	if h.evict != nil {
		h.evict.Stop()
	}
	delete(m.handles, conversationID)
	return true
}

// Shutdown cancels every running handle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var hs []*handle
	for _, h := range m.handles {
		if h.running {
			hs = append(hs, h)
		}
	}
	m.mu.Unlock()
	for _, h := range hs {
		m.abortHandle(h, "shutdown")
	}
}
