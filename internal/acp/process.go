// Package acp runs agent turns against an Agent Client Protocol subprocess
// and translates its session updates into engine events.
package acp

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is an ACP agent subprocess speaking NDJSON over stdin/stdout.
type Process struct {
	command   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time
	mu        sync.Mutex
	stopped   bool
}

// ProcessConfig holds configuration for spawning an agent process.
type ProcessConfig struct {
	// Command is the binary name (e.g., "claude-code-acp").
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Env entries (KEY=value) appended to the router's own environment.
	Env []string
	// WorkDir is the agent's working directory.
	WorkDir string
}

// StartProcess spawns the agent.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("ACP agent process started", "command", cfg.Command, "pid", cmd.Process.Pid, "workDir", cfg.WorkDir)

	return &Process{
		command:   cfg.Command,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout returns the reader from the agent's stdout.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the reader from the agent's stderr.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Stop closes stdin, kills the process and waits for it to exit. Safe to
// call more than once.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	slog.Debug("Stopping ACP agent process", "command", p.command, "uptime", time.Since(p.startTime))

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}
