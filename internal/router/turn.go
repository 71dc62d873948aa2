package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/workspace/session-router/internal/approval"
	"github.com/workspace/session-router/internal/engine"
	"github.com/workspace/session-router/internal/query"
	"github.com/workspace/session-router/internal/store"
	"github.com/workspace/session-router/internal/telemetry"
)

const (
	eventSendTimeout = 5 * time.Second
	titleMaxLen      = 80
)

// turn is one send_message: the run's event loop bound to the connection
// and epoch that started it.
type turn struct {
	router         *Router
	origin         *client
	conversationID string
	epoch          uint64
	model          string
	logger         *slog.Logger
	watchdog       *watchdog
	span           trace.Span
	started        time.Time

	mu     sync.Mutex
	stream *query.Stream
	edited map[string]struct{}
	hung   atomic.Bool
}

func (r *Router) handleSendMessage(ctx context.Context, c *client, cmd Command) {
	if strings.TrimSpace(cmd.Text) == "" {
		c.send(errorEvent{Type: EvtError, ConversationID: cmd.ConversationID, Message: "text is required", ErrorCode: CodeInvalidRequest})
		return
	}

	conn, _ := r.reg.Conn(c.id)
	convID := cmd.ConversationID
	if convID == "" {
		convID = conn.ConversationID
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	resumeID := cmd.EngineResumeID
	if resumeID == "" && conn.ConversationID == convID {
		resumeID = conn.ResumeID
	}
	workDir := cmd.WorkingDirectory
	if workDir == "" {
		workDir = r.opts.WorkingDir
	}

	t := &turn{
		router:         r,
		origin:         c,
		conversationID: convID,
		model:          cmd.ModelOverride,
		logger:         c.logger.With("conversationID", convID),
		edited:         make(map[string]struct{}),
	}
	t.watchdog = newWatchdog(r.clock, r.opts.HangTimeout, t.onHang)

	stream, err := r.queries.Start(ctx, engine.Request{
		ConversationID: convID,
		Prompt:         cmd.Text,
		ResumeID:       resumeID,
		WorkingDir:     workDir,
		Model:          cmd.ModelOverride,
		Approve:        t.approve,
	})
	if err != nil {
		t.watchdog.Stop()
		if errors.Is(err, query.ErrLimitExceeded) {
			r.metrics.Turns.Add(ctx, 1, metric.WithAttributes(telemetry.AttrOutcome.String(telemetry.OutcomeRejected)))
			c.sendPriority(errorEvent{Type: EvtError, ConversationID: convID, Message: "too many conversations are running; try again shortly", ErrorCode: CodeConcurrencyLimit})
			return
		}
		t.logger.Error("Router: failed to start query", "error", err)
		c.sendPriority(errorEvent{Type: EvtError, ConversationID: convID, Message: err.Error(), ErrorCode: CodeEngineError})
		return
	}

	// The connection only moves once the run is admitted, so a rejected send
	// leaves its current stream and ownership untouched.
	epoch := r.reg.SwitchConversation(c.id, conn.ConversationID, convID)
	t.epoch = epoch

	t.mu.Lock()
	t.stream = stream
	t.mu.Unlock()

	r.persist("ensure_conversation", r.store.EnsureConversation(convID, titleFrom(cmd.Text)))
	r.persist("save_message", r.store.SaveMessage(store.Message{
		ID:              uuid.NewString(),
		ConversationID:  convID,
		Role:            store.RoleUser,
		Content:         cmd.Text,
		ClientMessageID: cmd.ClientMessageID,
	}))

	_, t.span = r.tracer.Start(ctx, "router.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			telemetry.AttrConversationID.String(convID),
			telemetry.AttrConnectionID.String(c.id),
		),
	)
	t.started = r.clock.Now()
	r.metrics.ActiveTurns.Add(ctx, 1)

	t.logger.Info("Router: turn started", "generation", stream.Generation, "epoch", epoch)
	t.watchdog.Reset()
	go t.run(stream)
}

func (t *turn) onHang() {
	t.hung.Store(true)
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	t.logger.Warn("Router: no engine activity, aborting run", "timeout", t.router.opts.HangTimeout)
	if stream != nil {
		stream.Abort()
	}
}

func (t *turn) stale() bool {
	return t.router.reg.IsStale(t.origin.id, t.epoch)
}

func (t *turn) run(stream *query.Stream) {
	r := t.router
	defer t.watchdog.Stop()
	outcome := telemetry.OutcomeAbandoned
	defer func() { t.finish(outcome) }()

	completed, failed := false, false
	for ev := range stream.Events() {
		if t.stale() {
			stream.Abort()
			t.logger.Debug("Router: stale loop stopped", "epoch", t.epoch)
			return
		}
		t.watchdog.Reset()
		r.metrics.EngineEvents.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrEventType.String(string(ev.Type))))
		t.record(ev)

		switch ev.Type {
		case engine.EventError:
			failed = true
			t.deliver(errorEvent{Type: EvtError, ConversationID: t.conversationID, Message: ev.Error, ErrorCode: CodeEngineError})
			continue
		case engine.EventResult:
			completed = true
		}
		t.deliverEvent(engineEventMsg{Type: EvtEngineEvent, ConversationID: t.conversationID, Data: ev})
	}

	if t.hung.Load() {
		outcome = telemetry.OutcomeHung
		if t.stale() {
			return
		}
		t.deliver(errorEvent{Type: EvtError, ConversationID: t.conversationID, Message: "the engine stopped responding and the run was aborted", ErrorCode: CodeHangTimeout})
		return
	}
	if failed {
		outcome = telemetry.OutcomeFailed
	}
	if failed || !completed || t.stale() {
		t.logger.Debug("Router: run ended without completion", "failed", failed)
		return
	}

	resumeID := stream.ResumeID()
	files := t.editedFiles()
	r.persist("update_conversation", r.store.UpdateConversation(store.ConversationUpdate{
		ID:            t.conversationID,
		ResumeID:      resumeID,
		Model:         t.model,
		EditedFiles:   files,
		IncrementTurn: true,
	}))
	if r.committer != nil && len(files) > 0 {
		if _, err := r.committer.Commit(context.Background(), t.conversationID, files); err != nil {
			t.logger.Warn("Router: auto-commit failed", "error", err)
		}
	}

	outcome = telemetry.OutcomeCompleted
	t.logger.Info("Router: turn completed", "resumeID", resumeID, "editedFiles", len(files))
	t.deliver(doneEvent{Type: EvtDone, ConversationID: t.conversationID, EngineResumeID: resumeID})
}

func (t *turn) finish(outcome string) {
	ctx := context.Background()
	m := t.router.metrics
	attrs := metric.WithAttributes(telemetry.AttrOutcome.String(outcome))
	m.ActiveTurns.Add(ctx, -1)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, t.router.clock.Now().Sub(t.started).Seconds(), attrs)

	t.span.SetAttributes(telemetry.AttrOutcome.String(outcome))
	if outcome == telemetry.OutcomeFailed || outcome == telemetry.OutcomeHung {
		t.span.SetStatus(codes.Error, outcome)
	}
	t.span.End()
}

// deliver sends a control message to the origin while it is open,
// otherwise to the current owner. With neither the message is dropped.
func (t *turn) deliver(v interface{}) {
	if c := t.router.target(t.origin, t.conversationID); c != nil {
		c.sendPriority(v)
	}
}

func (t *turn) deliverEvent(msg engineEventMsg) {
	if c := t.router.target(t.origin, t.conversationID); c != nil {
		c.sendStream(msg, eventSendTimeout)
	}
}

// record persists one event and tracks edited files.
func (t *turn) record(ev engine.Event) {
	r := t.router
	switch ev.Type {
	case engine.EventInit:
		if ev.ResumeID != "" {
			r.reg.SetResumeID(t.origin.id, ev.ResumeID)
		}
	case engine.EventText, engine.EventThinking:
		if ev.Text == "" {
			return
		}
		role := store.RoleAssistant
		if ev.Type == engine.EventThinking {
			role = store.RoleThinking
		}
		id := ev.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		r.persist("merge_message", r.store.MergeMessage(store.Message{ID: id, ConversationID: t.conversationID, Role: role, Content: ev.Text}))
	case engine.EventToolUse:
		if ev.Tool == nil {
			return
		}
		meta, _ := json.Marshal(ev.Tool)
		id := t.conversationID + ":tool:" + ev.Tool.ID
		if ev.Tool.ID == "" {
			id = uuid.NewString()
		}
		r.persist("save_message", r.store.SaveMessage(store.Message{
			ID:             id,
			ConversationID: t.conversationID,
			Role:           store.RoleTool,
			Content:        ev.Tool.Name,
			ToolMetadata:   string(meta),
		}))
		t.trackEdits(ev.Tool)
	case engine.EventToolResult:
		// Denials were already recorded by approve.
		if ev.Tool == nil || ev.Tool.Status == "denied" {
			return
		}
		r.persist("append_tool_result", r.store.AppendToolResult(store.ToolResult{
			ConversationID: t.conversationID,
			ToolCallID:     ev.Tool.ID,
			Content:        ev.Tool.Output,
			IsError:        ev.Tool.Status == "failed",
		}))
	}
}

var editTools = map[string]bool{
	"edit":         true,
	"write":        true,
	"multiedit":    true,
	"notebookedit": true,
}

func (t *turn) trackEdits(call *engine.ToolCall) {
	switch {
	case call.Kind == "edit" || call.Kind == "delete" || call.Kind == "move":
	case editTools[strings.ToLower(call.Name)]:
	default:
		return
	}

	paths := append([]string(nil), call.Paths...)
	if len(call.Input) > 0 {
		var in struct {
			FilePath     string `json:"file_path"`
			Path         string `json:"path"`
			NotebookPath string `json:"notebook_path"`
		}
		if json.Unmarshal(call.Input, &in) == nil {
			paths = append(paths, in.FilePath, in.Path, in.NotebookPath)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		if p != "" {
			t.edited[p] = struct{}{}
		}
	}
}

func (t *turn) editedFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	files := make([]string, 0, len(t.edited))
	for p := range t.edited {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// approve is consulted by the engine before each tool call. Policy denials
// and ask-user questions both come back as denials with an explanation.
func (t *turn) approve(ctx context.Context, call engine.ToolCall) engine.Decision {
	r := t.router
	if r.policy != nil {
		if d := r.policy.Decide(t.origin.role, call.Name, call.Input, call.Paths...); !d.Allow {
			t.logger.Info("Router: tool denied by policy", "tool", call.Name, "reason", d.Message)
			r.metrics.PolicyDenials.Add(ctx, 1)
			// File access checks carry no tool call id and have nothing to annotate.
			if call.ID != "" {
				r.persist("append_tool_result", r.store.AppendToolResult(store.ToolResult{
					ConversationID: t.conversationID,
					ToolCallID:     call.ID,
					Content:        d.Message,
					IsError:        true,
				}))
			}
			return d
		}
	}

	if r.opts.AskUserTool == "" || !strings.EqualFold(call.Name, r.opts.AskUserTool) {
		return engine.Allow()
	}

	questions, err := approval.ParseQuestions(call.Input)
	if err != nil {
		t.logger.Warn("Router: invalid question input", "error", err)
		return engine.Deny(fmt.Sprintf("The question could not be shown to the user: %v", err))
	}

	r.metrics.Questions.Add(ctx, 1)
	t.watchdog.Pause()
	defer t.watchdog.Resume()

	d := r.gate.Ask(ctx, t.conversationID, questions)
	r.persist("append_tool_result", r.store.AppendToolResult(store.ToolResult{
		ConversationID: t.conversationID,
		ToolCallID:     call.ID,
		Content:        d.Message,
		IsError:        d.Interrupt,
	}))
	return d
}

func titleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if r := []rune(title); len(r) > titleMaxLen {
		title = string(r[:titleMaxLen-3]) + "..."
	}
	return title
}
