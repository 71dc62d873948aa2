// Package policy decides whether a connection's role may run a tool call.
// Rules are read from a YAML or TOML file and can be hot-reloaded.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/workspace/session-router/internal/engine"
)

// AnyRole holds rules applied to every role.
const AnyRole = "*"

// RoleRules restricts the tools available to one role.
type RoleRules struct {
	// AllowTools, when non-empty, is the only set of tools the role may use.
	AllowTools []string `yaml:"allow_tools" toml:"allow_tools"`
	DenyTools  []string `yaml:"deny_tools" toml:"deny_tools"`
	// DenyCommands are substrings rejected in shell command inputs.
	DenyCommands []string `yaml:"deny_commands" toml:"deny_commands"`
	// DenyPaths are path prefixes no tool may touch.
	DenyPaths []string `yaml:"deny_paths" toml:"deny_paths"`
}

// Policy is the serializable rule table.
type Policy struct {
	Roles map[string]RoleRules `yaml:"roles" toml:"roles"`
}

// Default blocks a handful of destructive commands for every role.
func Default() Policy {
	return Policy{
		Roles: map[string]RoleRules{
			AnyRole: {
				DenyCommands: []string{
					"rm -rf /",
					"rm -rf ~",
					"git push --force",
					"git push -f",
					"mkfs",
					"dd if=",
					":(){ :|:& };:",
				},
			},
		},
	}
}

// Load reads a policy file. A missing path or file yields Default. Files
// ending in .toml are parsed as TOML, anything else as YAML.
func Load(filePath string) (Policy, error) {
	if filePath == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var p Policy
	if strings.EqualFold(filepath.Ext(filePath), ".toml") {
		if _, err := toml.Decode(string(data), &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy: %w", err)
		}
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for role, rules := range p.Roles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("policy: empty role name")
		}
		for _, pattern := range append(append([]string{}, rules.AllowTools...), rules.DenyTools...) {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("policy: role %q: bad tool pattern %q: %w", role, pattern, err)
			}
		}
	}
	return nil
}

// Decide applies the rules of role (plus the "*" rules) to a tool call.
// Extra paths, such as locations reported alongside the call, are checked
// with the paths found in the input.
func (p Policy) Decide(role, tool string, input json.RawMessage, paths ...string) engine.Decision {
	var sets []RoleRules
	if r, ok := p.Roles[AnyRole]; ok {
		sets = append(sets, r)
	}
	if role != AnyRole {
		if r, ok := p.Roles[role]; ok {
			sets = append(sets, r)
		}
	}
	if len(sets) == 0 {
		return engine.Allow()
	}

	fields := extractFields(input)
	fields.paths = append(fields.paths, paths...)
	for _, r := range sets {
		if len(r.AllowTools) > 0 && !matchAny(r.AllowTools, tool) {
			return engine.Deny(fmt.Sprintf("Tool %q is not permitted for role %q.", tool, role))
		}
		if matchAny(r.DenyTools, tool) {
			return engine.Deny(fmt.Sprintf("Tool %q is blocked for role %q.", tool, role))
		}
		for _, cmd := range fields.commands {
			for _, bad := range r.DenyCommands {
				if bad != "" && strings.Contains(cmd, bad) {
					return engine.Deny(fmt.Sprintf("Command blocked by policy: contains %q.", bad))
				}
			}
		}
		for _, fp := range fields.paths {
			for _, prefix := range r.DenyPaths {
				if prefix != "" && pathUnder(fp, prefix) {
					return engine.Deny(fmt.Sprintf("Access to %q is blocked by policy.", fp))
				}
			}
		}
	}
	return engine.Allow()
}

func matchAny(patterns []string, tool string) bool {
	tool = strings.ToLower(tool)
	for _, pattern := range patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), tool); ok {
			return true
		}
	}
	return false
}

func pathUnder(p, prefix string) bool {
	p = filepath.Clean(p)
	clean := filepath.Clean(prefix)
	if p == clean || strings.HasPrefix(p, clean+string(filepath.Separator)) {
		return true
	}
	// Bare names such as ".env" match any path component.
	if !strings.ContainsRune(prefix, filepath.Separator) {
		for _, part := range strings.Split(p, string(filepath.Separator)) {
			if part == prefix {
				return true
			}
		}
	}
	return false
}

type inputFields struct {
	commands []string
	paths    []string
}

// extractFields pulls shell commands and file paths out of a tool input,
// looking one level into "rawInput" as well.
func extractFields(input json.RawMessage) inputFields {
	var out inputFields
	if len(input) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		var s string
		if json.Unmarshal(input, &s) == nil {
			out.commands = append(out.commands, s)
		}
		return out
	}
	collectFields(m, &out)
	if raw, ok := m["rawInput"].(map[string]any); ok {
		collectFields(raw, &out)
	}
	return out
}

func collectFields(m map[string]any, out *inputFields) {
	for _, key := range []string{"command", "cmd", "script"} {
		switch v := m[key].(type) {
		case string:
			out.commands = append(out.commands, v)
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if s, ok := p.(string); ok {
					parts = append(parts, s)
				}
			}
			out.commands = append(out.commands, strings.Join(parts, " "))
		}
	}
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if s, ok := m[key].(string); ok && s != "" {
			out.paths = append(out.paths, s)
		}
	}
	if ps, ok := m["paths"].([]any); ok {
		for _, p := range ps {
			if s, ok := p.(string); ok && s != "" {
				out.paths = append(out.paths, s)
			}
		}
	}
}
