// Package approval implements the ask-user gate: a tool call that needs a
// human answer is suspended until the user answers, the question times
// out, or the owning query is cancelled. Exactly one of the three wins.
//
// The gate never allows the suspended tool call. Every outcome is returned
// to the agent as a denial whose message carries the human's answer (or
// the automatic selection), so the agent reads it as an observation.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/session-router/internal/clock"
	"github.com/workspace/session-router/internal/engine"
)

// DefaultTimeout is how long a question waits for an answer.
const DefaultTimeout = 5 * time.Minute

// Outcome is the terminal state of a question.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeAborted  Outcome = "aborted"
)

// Pending is an outstanding question as announced to clients.
type Pending struct {
	ID             string     `json:"questionId"`
	ConversationID string     `json:"conversationId"`
	Questions      []Question `json:"questions"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Notifier delivers gate announcements to the conversation's owner.
type Notifier interface {
	AskUser(p Pending)
	AskUserTimeout(p Pending, selections []string)
}

// Config configures a Gate.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

type resolution struct {
	outcome Outcome
	text    string
}

type pendingQuestion struct {
	Pending
	result chan resolution
	timer  clock.Timer
}

// Gate tracks pending questions.
type Gate struct {
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingQuestion
	notifier Notifier
}

// NewGate creates a gate.
func NewGate(cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		logger:  logger.With("component", "approval"),
		pending: make(map[string]*pendingQuestion),
	}
}

// SetNotifier installs the announcement sink.
func (g *Gate) SetNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

func (g *Gate) getNotifier() Notifier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.notifier
}

// Ask suspends the caller until the questions are resolved and returns the
// decision to hand back to the engine. Cancelling ctx resolves the
// question as aborted.
func (g *Gate) Ask(ctx context.Context, conversationID string, questions []Question) engine.Decision {
	pq := &pendingQuestion{
		Pending: Pending{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Questions:      questions,
			CreatedAt:      g.clock.Now(),
		},
		result: make(chan resolution, 1),
	}

	g.mu.Lock()
	g.pending[pq.ID] = pq
	pq.timer = g.clock.AfterFunc(g.timeout, func() { g.expire(pq.ID) })
	notifier := g.notifier
	g.mu.Unlock()

	g.logger.Info("Question pending", "questionID", pq.ID, "conversationID", conversationID, "count", len(questions))
	if notifier != nil {
		notifier.AskUser(pq.Pending)
	}

	var res resolution
	select {
	case res = <-pq.result:
	case <-ctx.Done():
		g.resolve(pq.ID, resolution{outcome: OutcomeAborted})
		res = <-pq.result
	}

	g.logger.Info("Question resolved", "questionID", pq.ID, "conversationID", conversationID, "outcome", res.outcome)
	return decisionFor(res, g.timeout)
}

// resolve settles a question once. It reports whether this call won.
func (g *Gate) resolve(id string, res resolution) (*pendingQuestion, bool) {
	g.mu.Lock()
	pq, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return nil, false
	}
	delete(g.pending, id)
	g.mu.Unlock()

	if pq.timer != nil {
		pq.timer.Stop()
	}
	pq.result <- res
	return pq, true
}

func (g *Gate) expire(id string) {
	g.mu.Lock()
	pq, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return
	}

	selections := make([]string, len(pq.Questions))
	for i, q := range pq.Questions {
		selections[i] = q.DefaultSelection()
	}
	if _, won := g.resolve(id, resolution{outcome: OutcomeTimedOut, text: formatSelections(pq.Questions, selections)}); !won {
		return
	}

	g.logger.Warn("Question timed out, using default selections", "questionID", id, "conversationID", pq.ConversationID)
	if n := g.getNotifier(); n != nil {
		n.AskUserTimeout(pq.Pending, selections)
	}
}

// Answer resolves a pending question with the user's text. It returns false
// if the question is unknown or already resolved.
func (g *Gate) Answer(questionID, text string) bool {
	_, ok := g.resolve(questionID, resolution{outcome: OutcomeAnswered, text: text})
	return ok
}

// Cancel resolves a single question as aborted.
func (g *Gate) Cancel(questionID string) bool {
	_, ok := g.resolve(questionID, resolution{outcome: OutcomeAborted})
	return ok
}

// CancelConversation aborts every pending question of a conversation and
// returns how many were cancelled.
func (g *Gate) CancelConversation(conversationID string) int {
	var ids []string
	g.mu.Lock()
	for id, pq := range g.pending {
		if pq.ConversationID == conversationID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.Cancel(id) {
			n++
		}
	}
	return n
}

// PendingFor returns the unresolved questions of a conversation, oldest first.
func (g *Gate) PendingFor(conversationID string) []Pending {
	g.mu.Lock()
	var out []Pending
	for _, pq := range g.pending {
		if pq.ConversationID == conversationID {
			out = append(out, pq.Pending)
		}
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func decisionFor(res resolution, timeout time.Duration) engine.Decision {
	switch res.outcome {
	case OutcomeAnswered:
		return engine.Deny("The user answered your question directly: " + res.text +
			"\nTreat this as the user's response and continue accordingly.")
	case OutcomeTimedOut:
		return engine.Deny(fmt.Sprintf("The user did not answer within %s. Default selections were applied:\n%s\nContinue with these selections.", timeout, res.text))
	default:
		return engine.DenyInterrupt("The user cancelled the request before answering.")
	}
}

func formatSelections(questions []Question, selections []string) string {
	var b strings.Builder
	for i, q := range questions {
		if i > 0 {
			b.WriteString("\n")
		}
		label := q.Question
		if label == "" {
			label = q.Header
		}
		fmt.Fprintf(&b, "- %s: %s", label, selections[i])
	}
	return b.String()
}
