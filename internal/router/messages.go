package router

import (
	"github.com/workspace/session-router/internal/approval"
	"github.com/workspace/session-router/internal/engine"
)

// CommandType identifies an inbound client command.
type CommandType string

const (
	CmdSendMessage        CommandType = "send_message"
	CmdAbort              CommandType = "abort"
	CmdSwitchConversation CommandType = "switch_conversation"
	CmdReconnect          CommandType = "reconnect"
	CmdAnswerQuestion     CommandType = "answer_question"
	CmdPing               CommandType = "ping"
)

// EventType identifies an outbound event.
type EventType string

const (
	EvtConnected       EventType = "connected"
	EvtEngineEvent     EventType = "engine_event"
	EvtDone            EventType = "done"
	EvtError           EventType = "error"
	EvtAskUser         EventType = "ask_user"
	EvtAskUserTimeout  EventType = "ask_user_timeout"
	EvtReconnectResult EventType = "reconnect_result"
	EvtAbortResult     EventType = "abort_result"
	EvtPong            EventType = "pong"
)

// Error codes carried by error events.
const (
	CodeConcurrencyLimit = "concurrency_limit"
	CodeHangTimeout      = "hang_timeout"
	CodeEngineError      = "engine_error"
	CodeInvalidRequest   = "invalid_request"
	CodeUnknownCommand   = "unknown_command"
)

// Reconnect statuses.
const (
	StatusIdle      = "idle"
	StatusStreaming = "streaming"
)

// Command is any inbound client message. Fields not used by the command
// type are ignored.
type Command struct {
	Type             CommandType `json:"type"`
	Text             string      `json:"text,omitempty"`
	ConversationID   string      `json:"conversationId,omitempty"`
	EngineResumeID   string      `json:"engineResumeId,omitempty"`
	WorkingDirectory string      `json:"workingDirectory,omitempty"`
	ModelOverride    string      `json:"modelOverride,omitempty"`
	ClientMessageID  string      `json:"clientMessageId,omitempty"`
	QuestionID       string      `json:"questionId,omitempty"`
	AnswerText       string      `json:"answerText,omitempty"`
}

type connectedEvent struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connectionId"`
	ServerEpoch  int64     `json:"serverEpoch"`
}

type engineEventMsg struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversationId"`
	Data           engine.Event `json:"data"`
	// Dropped is how many engine events this client missed before this one.
	Dropped int64 `json:"dropped,omitempty"`
}

type doneEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	EngineResumeID string    `json:"engineResumeId"`
}

type errorEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	Message        string    `json:"message"`
	ErrorCode      string    `json:"errorCode,omitempty"`
}

type askUserEvent struct {
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversationId"`
	QuestionID     string              `json:"questionId"`
	Questions      []approval.Question `json:"questions"`
}

type askUserTimeoutEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	QuestionID     string    `json:"questionId"`
	Selections     []string  `json:"selections,omitempty"`
}

type reconnectResultEvent struct {
	Type           EventType `json:"type"`
	Status         string    `json:"status"`
	ConversationID string    `json:"conversationId,omitempty"`
}

type abortResultEvent struct {
	Type           EventType `json:"type"`
	Aborted        bool      `json:"aborted"`
	ConversationID string    `json:"conversationId"`
}

type pongEvent struct {
	Type EventType `json:"type"`
}
