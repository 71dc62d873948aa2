// Package engine defines the contract between the router and the agent
// execution backend: a request goes in, a finite stream of typed events
// comes out.
package engine

import (
	"context"
	"encoding/json"
)

// EventType classifies an engine event.
type EventType string

const (
	// EventInit carries the engine resume id for the conversation.
	EventInit       EventType = "init"
	EventText       EventType = "text"
	EventThinking   EventType = "thinking"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	// EventResult terminates a successful run.
	EventResult EventType = "result"
	// EventError terminates a failed run.
	EventError EventType = "error"
)

// Event is one item produced by a run.
type Event struct {
	Type      EventType       `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	ResumeID  string          `json:"resumeId,omitempty"`
	Text      string          `json:"text,omitempty"`
	Tool      *ToolCall       `json:"tool,omitempty"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// ToolCall describes a tool invocation by the agent.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Paths  []string        `json:"paths,omitempty"`
	Status string          `json:"status,omitempty"`
	Output string          `json:"output,omitempty"`
}

// Decision is the answer to a tool approval request.
type Decision struct {
	Allow bool
	// Message is the explanation handed back to the agent on denial.
	Message string
	// Interrupt asks the engine to stop the turn after denying.
	Interrupt bool
}

// Allow permits the tool call.
func Allow() Decision { return Decision{Allow: true} }

// Deny refuses the tool call with an explanation.
func Deny(message string) Decision { return Decision{Message: message} }

// DenyInterrupt refuses the tool call and stops the turn.
func DenyInterrupt(message string) Decision {
	return Decision{Message: message, Interrupt: true}
}

// ApproveFunc is consulted before every tool invocation. It may block.
type ApproveFunc func(ctx context.Context, call ToolCall) Decision

// Request starts one run for a conversation.
type Request struct {
	ConversationID string
	Prompt         string
	ResumeID       string
	WorkingDir     string
	Model          string
	Approve        ApproveFunc
}

// Engine runs agent turns. Run returns a channel that is closed when the run
// finishes; cancelling ctx ends the run.
type Engine interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}
