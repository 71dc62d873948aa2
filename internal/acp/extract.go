package acp

import (
	"encoding/json"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/workspace/session-router/internal/engine"
)

// toolInfo is the subset of an ACP tool call read through its JSON form so
// that both tool_call and tool_call_update payloads share one decoder.
type toolInfo struct {
	ID       string          `json:"toolCallId"`
	Title    string          `json:"title"`
	Kind     string          `json:"kind"`
	Status   string          `json:"status"`
	RawInput json.RawMessage `json:"rawInput"`
	Meta     json.RawMessage `json:"_meta"`
	Locations []struct {
		Path string `json:"path"`
	} `json:"locations"`
}

func (t toolInfo) paths() []string {
	var out []string
	for _, loc := range t.Locations {
		if loc.Path != "" {
			out = append(out, loc.Path)
		}
	}
	return out
}

func parseToolInfo(v interface{}) toolInfo {
	var info toolInfo
	data, err := json.Marshal(v)
	if err != nil {
		return info
	}
	_ = json.Unmarshal(data, &info)
	return info
}

// name prefers the agent's own tool name from _meta over the display title.
func (t toolInfo) name() string {
	if n := findToolName(t.Meta); n != "" {
		return n
	}
	return t.Title
}

func findToolName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return searchToolName(m)
}

func searchToolName(m map[string]interface{}) string {
	if n, ok := m["toolName"].(string); ok && n != "" {
		return n
	}
	for _, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			if n := searchToolName(nested); n != "" {
				return n
			}
		}
	}
	return ""
}

// translator turns ACP session updates into engine events. Consecutive
// agent text chunks share a message id until a tool call splits them.
type translator struct {
	textID    string
	thoughtID string
}

func (t *translator) translate(notif acpsdk.SessionNotification) []engine.Event {
	u := notif.Update
	var events []engine.Event

	if u.AgentMessageChunk != nil {
		if text := extractContentBlockText(u.AgentMessageChunk.Content); text != "" {
			if t.textID == "" {
				t.textID = uuid.NewString()
			}
			events = append(events, engine.Event{Type: engine.EventText, MessageID: t.textID, Text: text})
		}
	}

	if u.AgentThoughtChunk != nil {
		if text := extractContentBlockText(u.AgentThoughtChunk.Content); text != "" {
			if t.thoughtID == "" {
				t.thoughtID = uuid.NewString()
			}
			events = append(events, engine.Event{Type: engine.EventThinking, MessageID: t.thoughtID, Text: text})
		}
	}

	if u.ToolCall != nil {
		t.textID, t.thoughtID = "", ""
		info := parseToolInfo(u.ToolCall)
		call := &engine.ToolCall{
			ID:     info.ID,
			Name:   info.name(),
			Kind:   string(u.ToolCall.Kind),
			Input:  info.RawInput,
			Status: info.Status,
			Output: extractToolCallContents(u.ToolCall.Content),
		}
		for _, loc := range u.ToolCall.Locations {
			call.Paths = append(call.Paths, loc.Path)
		}
		events = append(events, engine.Event{Type: engine.EventToolUse, MessageID: info.ID, Tool: call})
	}

	// Only terminal updates become results; progress updates are dropped.
	if u.ToolCallUpdate != nil && u.ToolCallUpdate.Status != nil {
		status := string(*u.ToolCallUpdate.Status)
		if status == "completed" || status == "failed" {
			info := parseToolInfo(u.ToolCallUpdate)
			call := &engine.ToolCall{
				ID:     info.ID,
				Name:   info.name(),
				Status: status,
				Output: extractToolCallContents(u.ToolCallUpdate.Content),
			}
			if u.ToolCallUpdate.Kind != nil {
				call.Kind = string(*u.ToolCallUpdate.Kind)
			}
			for _, loc := range u.ToolCallUpdate.Locations {
				call.Paths = append(call.Paths, loc.Path)
			}
			events = append(events, engine.Event{Type: engine.EventToolResult, MessageID: info.ID, Tool: call})
		}
	}

	return events
}

// extractContentBlockText extracts text from a ContentBlock.
// Returns empty string if the block is not a text block.
func extractContentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// extractToolCallContents aggregates text from tool call content blocks.
func extractToolCallContents(contents []acpsdk.ToolCallContent) string {
	var parts []string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			parts = append(parts, c.Content.Content.Text.Text)
		}
		if c.Diff != nil {
			parts = append(parts, "diff: "+c.Diff.Path)
		}
	}
	return strings.Join(parts, "\n")
}
