// Package router multiplexes client connections onto conversations. It
// decodes inbound commands, starts and aborts engine runs through the query
// manager, and routes run events to whichever connection owns the
// conversation at delivery time.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/workspace/session-router/internal/approval"
	"github.com/workspace/session-router/internal/auth"
	"github.com/workspace/session-router/internal/clock"
	"github.com/workspace/session-router/internal/engine"
	"github.com/workspace/session-router/internal/logging"
	"github.com/workspace/session-router/internal/query"
	"github.com/workspace/session-router/internal/registry"
	"github.com/workspace/session-router/internal/store"
	"github.com/workspace/session-router/internal/telemetry"
)

// Policy decides whether a role may run a tool.
type Policy interface {
	Decide(role, tool string, input json.RawMessage, paths ...string) engine.Decision
}

// Committer records the files edited during a completed turn.
type Committer interface {
	Commit(ctx context.Context, conversationID string, files []string) (string, error)
}

// Options wires a Router. Registry, Queries and Gate are required.
type Options struct {
	Registry  *registry.Registry
	Queries   *query.Manager
	Gate      *approval.Gate
	Policy    Policy
	Store     store.Writer
	Committer Committer
	Clock     clock.Clock
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics

	// WorkingDir is used when send_message names no working directory.
	WorkingDir string
	// HangTimeout aborts a run that produces no event for this long.
	// Zero disables hang detection.
	HangTimeout time.Duration
	// AskUserTool is the tool name routed through the approval gate.
	AskUserTool string

	SendBuffer     int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// Router owns the live connections.
type Router struct {
	reg       *registry.Registry
	queries   *query.Manager
	gate      *approval.Gate
	policy    Policy
	store     store.Writer
	committer Committer
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	opts      Options

	serverEpoch int64

	mu      sync.Mutex
	clients map[string]*client
}

// New creates a Router and installs it as the gate's notifier.
func New(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Store == nil {
		opts.Store = nopWriter{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Disabled().Tracer
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	r := &Router{
		reg:         opts.Registry,
		queries:     opts.Queries,
		gate:        opts.Gate,
		policy:      opts.Policy,
		store:       opts.Store,
		committer:   opts.Committer,
		clock:       opts.Clock,
		logger:      logging.Component(opts.Logger, "router"),
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		opts:        opts,
		serverEpoch: opts.Clock.Now().UnixMilli(),
		clients:     make(map[string]*client),
	}
	r.gate.SetNotifier(r)
	return r
}

// ServerEpoch identifies this server instance in connected events.
func (r *Router) ServerEpoch() int64 { return r.serverEpoch }

// Connections returns the number of open connections.
func (r *Router) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ServeConn runs one connection until the transport closes or ctx is
// cancelled. Runs started by the connection keep going after it returns.
func (r *Router) ServeConn(ctx context.Context, ws *websocket.Conn, id auth.Identity) {
	connID := uuid.NewString()
	logger := logging.Connection(r.logger, connID, id.Role)
	c := newClient(connID, id.Role, id.UserID, ws, r.opts.SendBuffer, logger)

	r.reg.Add(registry.Conn{ID: connID, Role: id.Role, UserID: id.UserID})
	r.mu.Lock()
	r.clients[connID] = c
	r.mu.Unlock()
	r.metrics.Connections.Add(ctx, 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx, r.opts.PingInterval)

	logger.Info("Router: connection opened", "userID", id.UserID)
	c.sendPriority(connectedEvent{Type: EvtConnected, ConnectionID: connID, ServerEpoch: r.serverEpoch})

	r.readLoop(ctx, c)
	r.disconnect(c)
}

func (r *Router) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(r.opts.MaxMessageSize)
	extend := func() {
		if r.opts.PongTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
		}
	}
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Router: read error", "error", err)
			}
			return
		}
		extend()

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.send(errorEvent{Type: EvtError, Message: "malformed command: " + err.Error(), ErrorCode: CodeInvalidRequest})
			continue
		}
		r.dispatch(ctx, c, cmd)
	}
}

func (r *Router) dispatch(ctx context.Context, c *client, cmd Command) {
	switch cmd.Type {
	case CmdSendMessage:
		r.handleSendMessage(ctx, c, cmd)
	case CmdAbort:
		r.handleAbort(c, cmd)
	case CmdSwitchConversation:
		r.handleSwitch(c, cmd)
	case CmdReconnect:
		r.handleReconnect(c, cmd)
	case CmdAnswerQuestion:
		r.handleAnswer(c, cmd)
	case CmdPing:
		c.sendPriority(pongEvent{Type: EvtPong})
	default:
		c.logger.Debug("Router: unknown command", "type", cmd.Type)
		c.send(errorEvent{Type: EvtError, Message: "unknown command type: " + string(cmd.Type), ErrorCode: CodeUnknownCommand})
	}
}

// currentConversation returns the conversation the connection is on.
func (r *Router) currentConversation(c *client) string {
	conn, _ := r.reg.Conn(c.id)
	return conn.ConversationID
}

func (r *Router) handleAbort(c *client, cmd Command) {
	convID := cmd.ConversationID
	if convID == "" {
		convID = r.currentConversation(c)
	}
	if convID == "" {
		c.sendPriority(abortResultEvent{Type: EvtAbortResult, Aborted: false})
		return
	}

	aborted := r.queries.Abort(convID)
	r.gate.CancelConversation(convID)
	r.reg.AbortCleanup(c.id, convID)

	c.logger.Info("Router: abort requested", "conversationID", convID, "aborted", aborted)
	c.sendPriority(abortResultEvent{Type: EvtAbortResult, Aborted: aborted, ConversationID: convID})
}

func (r *Router) handleSwitch(c *client, cmd Command) {
	if cmd.ConversationID == "" {
		c.send(errorEvent{Type: EvtError, Message: "conversationId is required", ErrorCode: CodeInvalidRequest})
		return
	}
	old := r.currentConversation(c)
	if old != "" && old != cmd.ConversationID && !r.queries.IsRunning(old) {
		r.queries.Release(old)
	}
	r.reg.SwitchConversation(c.id, old, cmd.ConversationID)

	resumeID := cmd.EngineResumeID
	if resumeID == "" {
		resumeID = r.queries.ResumeID(cmd.ConversationID)
	}
	r.reg.SetResumeID(c.id, resumeID)
	c.logger.Debug("Router: switched conversation", "from", old, "to", cmd.ConversationID)
}

func (r *Router) handleReconnect(c *client, cmd Command) {
	convID := cmd.ConversationID
	if convID == "" {
		c.sendPriority(reconnectResultEvent{Type: EvtReconnectResult, Status: StatusIdle})
		return
	}

	resumeID := cmd.EngineResumeID
	if resumeID == "" {
		resumeID = r.queries.ResumeID(convID)
	}
	r.reg.Bind(c.id, convID, resumeID)

	status := StatusIdle
	if r.queries.IsRunning(convID) {
		status = StatusStreaming
	}
	c.logger.Info("Router: reconnected", "conversationID", convID, "status", status)
	c.sendPriority(reconnectResultEvent{Type: EvtReconnectResult, Status: status, ConversationID: convID})

	for _, p := range r.gate.PendingFor(convID) {
		c.sendPriority(askUserEvent{Type: EvtAskUser, ConversationID: convID, QuestionID: p.ID, Questions: p.Questions})
	}
}

func (r *Router) handleAnswer(c *client, cmd Command) {
	if cmd.QuestionID == "" {
		c.send(errorEvent{Type: EvtError, Message: "questionId is required", ErrorCode: CodeInvalidRequest})
		return
	}
	if !r.gate.Answer(cmd.QuestionID, cmd.AnswerText) {
		c.logger.Debug("Router: answer for unknown or resolved question", "questionID", cmd.QuestionID)
	}
}

func (r *Router) disconnect(c *client) {
	c.close()
	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()

	if conn, ok := r.reg.Conn(c.id); ok && conn.ConversationID != "" && !r.queries.IsRunning(conn.ConversationID) {
		r.reg.Release(c.id, conn.ConversationID)
	}
	r.reg.Remove(c.id)
	r.metrics.Connections.Add(context.Background(), -1)
	c.logger.Info("Router: connection closed")
}

func (r *Router) client(connID string) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[connID]
}

// ownerClient resolves the conversation's current owner to an open client.
func (r *Router) ownerClient(conversationID string) *client {
	conn, ok := r.reg.ResolveOwner(conversationID)
	if !ok {
		return nil
	}
	c := r.client(conn.ID)
	if c == nil || !c.open() {
		return nil
	}
	return c
}

// target picks where a run's output goes: the originating connection while
// it is open, otherwise the conversation's current owner.
func (r *Router) target(origin *client, conversationID string) *client {
	if origin.open() {
		return origin
	}
	return r.ownerClient(conversationID)
}

// AskUser announces a pending question to the conversation's owner. With no
// owner the question stays pending and is re-announced on reconnect.
func (r *Router) AskUser(p approval.Pending) {
	c := r.ownerClient(p.ConversationID)
	if c == nil {
		r.logger.Info("Router: no owner for question, holding until reconnect", "conversationID", p.ConversationID, "questionID", p.ID)
		return
	}
	c.sendPriority(askUserEvent{Type: EvtAskUser, ConversationID: p.ConversationID, QuestionID: p.ID, Questions: p.Questions})
}

// AskUserTimeout tells the owner which defaults were applied.
func (r *Router) AskUserTimeout(p approval.Pending, selections []string) {
	r.metrics.QuestionTimeouts.Add(context.Background(), 1)
	c := r.ownerClient(p.ConversationID)
	if c == nil {
		return
	}
	c.sendPriority(askUserTimeoutEvent{Type: EvtAskUserTimeout, ConversationID: p.ConversationID, QuestionID: p.ID, Selections: selections})
}

// Close drops every connection. Runs are left to the query manager.
func (r *Router) Close() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (r *Router) persist(op string, err error) {
	if err != nil {
		r.logger.Warn("Router: persistence failed", "op", op, "error", err)
	}
}

type nopWriter struct{}

func (nopWriter) EnsureConversation(string, string) error           { return nil }
func (nopWriter) SaveMessage(store.Message) error                   { return nil }
func (nopWriter) MergeMessage(store.Message) error                  { return nil }
func (nopWriter) AppendToolResult(store.ToolResult) error           { return nil }
func (nopWriter) UpdateConversation(store.ConversationUpdate) error { return nil }
