package acp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/session-router/internal/engine"
)

const (
	defaultInitTimeout = 30 * time.Second
	// Denials carrying an explanation are fed back to the agent as a
	// follow-up prompt, at most this many times per run.
	defaultMaxFollowUps = 8
)

// Config configures the ACP engine.
type Config struct {
	Command      string
	Args         []string
	Env          []string
	InitTimeout  time.Duration
	FileMaxSize  int
	MaxFollowUps int
	Logger       *slog.Logger
}

// Engine runs each turn in a fresh agent subprocess. Conversation
// continuity comes from the ACP session id, which is handed out as the
// resume id and passed back to LoadSession on the next turn.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// NewEngine creates an ACP engine.
func NewEngine(cfg Config) *Engine {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.MaxFollowUps <= 0 {
		cfg.MaxFollowUps = defaultMaxFollowUps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "acp")}
}

// Run spawns the agent and drives one turn. The returned channel is closed
// once the agent process has been stopped.
func (e *Engine) Run(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	process, err := StartProcess(ProcessConfig{
		Command: e.cfg.Command,
		Args:    e.cfg.Args,
		Env:     e.cfg.Env,
		WorkDir: req.WorkingDir,
	})
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("conversationID", req.ConversationID)
	out := make(chan engine.Event, 16)
	client := &turnClient{
		ctx:         ctx,
		out:         out,
		approve:     req.Approve,
		workDir:     req.WorkingDir,
		fileMaxSize: e.cfg.FileMaxSize,
		logger:      logger,
	}
	conn := acpsdk.NewClientSideConnection(client, process.Stdin(), process.Stdout())

	t := &turn{
		engine:  e,
		req:     req,
		client:  client,
		conn:    conn,
		process: process,
		logger:  logger,
	}
	client.cancel = t.cancelPrompt

	go monitorStderr(process.Stderr(), logger)
	go t.run(ctx, out)
	return out, nil
}

type turn struct {
	engine  *Engine
	req     engine.Request
	client  *turnClient
	conn    *acpsdk.ClientSideConnection
	process *Process
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID acpsdk.SessionId
}

func (t *turn) run(ctx context.Context, out chan engine.Event) {
	defer close(out)
	defer t.process.Stop()

	sessionID, err := t.open(ctx)
	if err != nil {
		t.logger.Warn("ACP session setup failed", "error", err)
		t.client.emit(engine.Event{Type: engine.EventError, Error: err.Error()})
		return
	}
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	if !t.client.emit(engine.Event{Type: engine.EventInit, ResumeID: string(sessionID)}) {
		return
	}

	stop := context.AfterFunc(ctx, t.cancelPrompt)
	defer stop()

	prompt := t.req.Prompt
	for followUps := 0; ; followUps++ {
		resp, err := t.conn.Prompt(ctx, acpsdk.PromptRequest{
			SessionId: sessionID,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(prompt)},
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Warn("ACP prompt failed", "error", err)
			t.client.emit(engine.Event{Type: engine.EventError, Error: fmt.Sprintf("prompt failed: %v", err)})
			return
		}
		t.logger.Info("ACP: Prompt completed", "stopReason", string(resp.StopReason))

		notes, interrupted := t.client.takeNotes()
		if interrupted || len(notes) == 0 || followUps >= t.engine.cfg.MaxFollowUps {
			t.client.emit(engine.Event{Type: engine.EventResult, ResumeID: string(sessionID), Text: string(resp.StopReason)})
			return
		}
		prompt = strings.Join(notes, "\n\n")
	}
}

// open performs the handshake and resumes the previous session when the
// agent supports it, falling back to a new session.
func (t *turn) open(ctx context.Context) (acpsdk.SessionId, error) {
	initCtx, cancel := context.WithTimeout(ctx, t.engine.cfg.InitTimeout)
	defer cancel()

	initResp, err := t.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ACP initialize failed: %w", err)
	}

	var sessionID acpsdk.SessionId
	if t.req.ResumeID != "" && initResp.AgentCapabilities.LoadSession {
		_, loadErr := t.conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(t.req.ResumeID),
			Cwd:        t.req.WorkingDir,
			McpServers: []acpsdk.McpServer{},
		})
		if loadErr == nil {
			sessionID = acpsdk.SessionId(t.req.ResumeID)
			t.logger.Info("ACP: LoadSession succeeded", "sessionID", t.req.ResumeID)
		} else {
			t.logger.Warn("ACP: LoadSession failed, falling back to NewSession", "error", loadErr)
		}
	}

	if sessionID == "" {
		sessResp, err := t.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
			Cwd:        t.req.WorkingDir,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			return "", fmt.Errorf("ACP new session failed: %w", err)
		}
		sessionID = sessResp.SessionId
		t.logger.Info("ACP: NewSession succeeded", "sessionID", string(sessionID))
	}

	if t.req.Model != "" {
		if _, err := t.conn.SetSessionModel(initCtx, acpsdk.SetSessionModelRequest{
			SessionId: sessionID,
			ModelId:   acpsdk.ModelId(t.req.Model),
		}); err != nil {
			t.logger.Warn("ACP SetSessionModel failed (non-fatal)", "model", t.req.Model, "error", err)
		}
	}
	return sessionID, nil
}

// cancelPrompt sends session/cancel. The run context may already be done,
// so it uses its own short deadline.
func (t *turn) cancelPrompt() {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.conn.Cancel(ctx, acpsdk.CancelNotification{SessionId: sessionID}); err != nil {
		t.logger.Debug("ACP cancel failed", "error", err)
	}
}

func monitorStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Debug("ACP agent stderr", "line", line)
		}
	}
}
