package acp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/session-router/internal/engine"
)

const defaultFileMaxSize = 1048576

// Tool names under which client file access is checked by the approval
// callback.
const (
	ToolReadTextFile  = "read_text_file"
	ToolWriteTextFile = "write_text_file"
)

// turnClient implements the acp-go-sdk Client interface for a single run.
// Session updates are translated into engine events; permission requests
// go through the run's approval callback.
type turnClient struct {
	ctx         context.Context
	out         chan<- engine.Event
	approve     engine.ApproveFunc
	workDir     string
	fileMaxSize int
	logger      *slog.Logger
	// cancel asks the agent to stop the current prompt.
	cancel func()

	mu          sync.Mutex
	tr          translator
	notes       []string
	interrupted bool
}

func (c *turnClient) emit(ev engine.Event) bool {
	select {
	case c.out <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// takeNotes returns and clears denial explanations gathered during the
// prompt, and whether the turn was interrupted.
func (c *turnClient) takeNotes() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	notes := c.notes
	c.notes = nil
	return notes, c.interrupted
}

func (c *turnClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	c.mu.Lock()
	events := c.tr.translate(params)
	c.mu.Unlock()

	for _, ev := range events {
		if !c.emit(ev) {
			return nil
		}
	}
	return nil
}

func (c *turnClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	info := parseToolInfo(params.ToolCall)
	call := engine.ToolCall{
		ID:     info.ID,
		Name:   info.name(),
		Kind:   info.Kind,
		Input:  info.RawInput,
		Status: "pending",
	}
	call.Paths = info.paths()

	decision := engine.Allow()
	if c.approve != nil {
		// The run context is used so an abort unblocks a pending question.
		decision = c.approve(c.ctx, call)
	}
	c.logger.Debug("Permission decided", "tool", call.Name, "allow", decision.Allow, "interrupt", decision.Interrupt)

	if decision.Allow {
		if i := pickOption(params.Options, "allow_once", "allow_always"); i >= 0 {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[i].OptionId),
			}, nil
		}
		if len(params.Options) > 0 {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
			}, nil
		}
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}

	denied := call
	denied.Status = "denied"
	denied.Output = decision.Message
	c.emit(engine.Event{Type: engine.EventToolResult, MessageID: call.ID, Tool: &denied})

	c.mu.Lock()
	if decision.Interrupt {
		c.interrupted = true
	} else if decision.Message != "" {
		c.notes = append(c.notes, decision.Message)
	}
	c.mu.Unlock()

	if decision.Interrupt {
		if c.cancel != nil {
			c.cancel()
		}
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	if i := pickOption(params.Options, "reject_once", "reject_always"); i >= 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[i].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
}

// pickOption returns the index of the first option whose kind matches, in
// preference order, or -1.
func pickOption(options []acpsdk.PermissionOption, kinds ...string) int {
	for _, kind := range kinds {
		for i, opt := range options {
			if string(opt.Kind) == kind {
				return i
			}
		}
	}
	return -1
}

// resolvePath anchors relative paths at the working directory and rejects
// any path that leaves it.
func (c *turnClient) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("file path contains null byte")
	}
	root, err := filepath.Abs(c.workDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %q is outside the working directory", p)
	}
	return p, nil
}

// checkAccess runs a file operation through the approval callback so role
// policy applies to client file access too.
func (c *turnClient) checkAccess(tool, kind, path string) error {
	if c.approve == nil {
		return nil
	}
	d := c.approve(c.ctx, engine.ToolCall{Name: tool, Kind: kind, Paths: []string{path}, Status: "pending"})
	if d.Allow {
		return nil
	}
	c.logger.Info("File access denied", "tool", tool, "path", path, "reason", d.Message)
	return fmt.Errorf("access to %q denied: %s", path, d.Message)
}

func (c *turnClient) maxSize() int {
	if c.fileMaxSize > 0 {
		return c.fileMaxSize
	}
	return defaultFileMaxSize
}

func (c *turnClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	path, err := c.resolvePath(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	if err := c.checkAccess(ToolReadTextFile, "read", path); err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %w", params.Path, err)
	}
	if len(data) > c.maxSize() {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, c.maxSize())
	}
	return acpsdk.ReadTextFileResponse{Content: applyLineLimit(string(data), params.Line, params.Limit)}, nil
}

func (c *turnClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	path, err := c.resolvePath(params.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := c.checkAccess(ToolWriteTextFile, "edit", path); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if len(params.Content) > c.maxSize() {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", c.maxSize())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to create directory for %q: %w", params.Path, err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		c.logger.Error("WriteTextFile error", "path", params.Path, "error", err)
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *turnClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *turnClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *turnClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *turnClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *turnClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// applyLineLimit returns the slice of content starting at 1-based line and
// spanning at most limit lines. A nil or zero limit means no limit.
func applyLineLimit(content string, line, limit *int) string {
	if content == "" || (line == nil && limit == nil) {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
