// Package autocommit records the files an agent edited during a turn as a
// git commit in the working directory.
package autocommit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/workspace/session-router/internal/retry"
)

// Committer commits edited files after a completed turn.
type Committer struct {
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Committer for the repository at workDir.
func New(workDir string, timeout time.Duration, logger *slog.Logger) *Committer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{
		workDir: workDir,
		timeout: timeout,
		logger:  logger.With("component", "autocommit"),
	}
}

// Commit stages files and commits them. Files outside the working directory
// are skipped. It returns the short commit hash, or "" when there was
// nothing to commit.
func (c *Committer) Commit(ctx context.Context, conversationID string, files []string) (string, error) {
	paths := c.relativePaths(files)
	if len(paths) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addArgs := append([]string{"add", "-A", "--"}, paths...)
	if _, err := c.gitRetry(ctx, addArgs...); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}

	// Nothing staged means the edits were reverted or already committed.
	if _, err := c.git(ctx, append([]string{"diff", "--cached", "--quiet", "--"}, paths...)...); err == nil {
		return "", nil
	}

	msg := fmt.Sprintf("Agent edits (conversation %s)\n\n%s", conversationID, strings.Join(paths, "\n"))
	commitArgs := append([]string{"commit", "-m", msg, "--"}, paths...)
	if _, err := c.gitRetry(ctx, commitArgs...); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}

	out, err := c.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	hash := strings.TrimSpace(out)
	c.logger.Info("Committed agent edits", "conversationID", conversationID, "commit", hash, "files", len(paths))
	return hash, nil
}

// relativePaths maps files to sorted, de-duplicated paths relative to the
// working directory.
func (c *Committer) relativePaths(files []string) []string {
	seen := make(map[string]struct{}, len(files))
	var out []string
	for _, f := range files {
		if f == "" {
			continue
		}
		abs := f
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(c.workDir, abs)
		}
		rel, err := filepath.Rel(c.workDir, filepath.Clean(abs))
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

func (c *Committer) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.workDir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderrBuf.String())
		if stderrStr != "" {
			c.logger.Debug("git exec error", "args", args, "error", err, "stderr", stderrStr)
			return "", fmt.Errorf("command failed: %w: %s", err, stderrStr)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return stdoutBuf.String(), nil
}

// gitRetry runs a git command that takes the index lock, retrying while
// another git process holds it.
func (c *Committer) gitRetry(ctx context.Context, args ...string) (string, error) {
	var out string
	cfg := retry.Local()
	cfg.Logger = c.logger
	err := retry.Do(ctx, cfg, "git "+args[0], func(ctx context.Context) error {
		var err error
		out, err = c.git(ctx, args...)
		if err != nil && !strings.Contains(err.Error(), "index.lock") {
			return retry.Permanent(err)
		}
		return err
	})
	return out, err
}
