package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/workspace/session-router/internal/engine"
)

// Guard holds the active policy and swaps it when the backing file changes.
type Guard struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	policy Policy

	reloaded chan struct{}
}

// NewGuard loads the policy at filePath. An empty path uses Default and
// never reloads.
func NewGuard(filePath string, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := Load(filePath)
	if err != nil {
		return nil, err
	}
	return &Guard{
		path:     filePath,
		logger:   logger.With("component", "policy"),
		policy:   p,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Policy returns the active rule table.
func (g *Guard) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Decide evaluates a tool call against the active policy.
func (g *Guard) Decide(role, tool string, input json.RawMessage, paths ...string) engine.Decision {
	return g.Policy().Decide(role, tool, input, paths...)
}

// Reloaded is signalled after every successful reload.
func (g *Guard) Reloaded() <-chan struct{} {
	return g.reloaded
}

// Reload re-reads the policy file. On error the previous policy stays active.
func (g *Guard) Reload() error {
	p, err := Load(g.path)
	if err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	select {
	case g.reloaded <- struct{}{}:
	default:
	}
	return nil
}

// Watch reloads the policy whenever its file is written, created or renamed
// into place. The parent directory is watched so editor rename-swaps are
// seen. Watch returns once the watcher is running.
func (g *Guard) Watch(ctx context.Context) error {
	if g.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	dir := filepath.Dir(g.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}
	target := filepath.Clean(g.path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := g.Reload(); err != nil {
					g.logger.Error("Policy reload failed, keeping previous rules", "path", g.path, "error", err)
					continue
				}
				g.logger.Info("Policy reloaded", "path", g.path, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				g.logger.Error("Policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
