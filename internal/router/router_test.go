package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/workspace/session-router/internal/approval"
	"github.com/workspace/session-router/internal/auth"
	"github.com/workspace/session-router/internal/clock"
	"github.com/workspace/session-router/internal/engine"
	"github.com/workspace/session-router/internal/engine/enginetest"
	"github.com/workspace/session-router/internal/logging"
	"github.com/workspace/session-router/internal/query"
	"github.com/workspace/session-router/internal/registry"
	"github.com/workspace/session-router/internal/store"
	"github.com/workspace/session-router/internal/telemetry"
)

const waitFor = 2 * time.Second

type harnessConfig struct {
	maxConcurrent int
	hangTimeout   time.Duration
	policy        Policy
	committer     Committer
	metrics       *telemetry.Metrics
}

type harness struct {
	t       *testing.T
	eng     *enginetest.Fake
	clock   *clock.Fake
	reg     *registry.Registry
	queries *query.Manager
	gate    *approval.Gate
	store   *recordingWriter
	router  *Router
	server  *httptest.Server
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		eng:   enginetest.New(),
		clock: clock.NewFake(time.Unix(1_700_000_000, 0)),
		reg:   registry.New(),
		store: &recordingWriter{},
	}
	h.queries = query.NewManager(h.eng, query.Config{MaxConcurrent: cfg.maxConcurrent, Clock: h.clock, Logger: logging.Discard()})
	h.gate = approval.NewGate(approval.Config{Timeout: time.Minute, Clock: h.clock, Logger: logging.Discard()})
	h.router = New(Options{
		Registry:    h.reg,
		Queries:     h.queries,
		Gate:        h.gate,
		Policy:      cfg.policy,
		Store:       h.store,
		Committer:   cfg.committer,
		Clock:       h.clock,
		Logger:      logging.Discard(),
		WorkingDir:  "/work",
		HangTimeout: cfg.hangTimeout,
		AskUserTool: "AskUserQuestion",
		Metrics:     cfg.metrics,
	})

	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.router.ServeConn(r.Context(), ws, auth.Identity{UserID: "user-1", Role: "developer"})
	}))
	t.Cleanup(func() {
		h.queries.Shutdown()
		h.router.Close()
		h.server.Close()
	})
	return h
}

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func (h *harness) dial() *testConn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { ws.Close() })

	tc := &testConn{t: h.t, ws: ws}
	msg := tc.expect(EvtConnected)
	tc.id, _ = msg["connectionId"].(string)
	require.NotEmpty(h.t, tc.id)
	return tc
}

func (tc *testConn) send(cmd Command) {
	tc.t.Helper()
	require.NoError(tc.t, tc.ws.WriteJSON(cmd))
}

func (tc *testConn) read() map[string]interface{} {
	tc.t.Helper()
	tc.ws.SetReadDeadline(time.Now().Add(waitFor))
	var msg map[string]interface{}
	require.NoError(tc.t, tc.ws.ReadJSON(&msg))
	return msg
}

// expect skips messages until one of the given type arrives.
func (tc *testConn) expect(typ EventType) map[string]interface{} {
	tc.t.Helper()
	for i := 0; i < 50; i++ {
		msg := tc.read()
		if msg["type"] == string(typ) {
			return msg
		}
	}
	tc.t.Fatalf("no %s message received", typ)
	return nil
}

// sync round-trips a ping so every earlier command has been handled.
// It fails if anything other than pong arrives first.
func (tc *testConn) sync() {
	tc.t.Helper()
	tc.send(Command{Type: CmdPing})
	msg := tc.read()
	require.Equal(tc.t, string(EvtPong), msg["type"], "unexpected message before pong: %v", msg)
}

func (tc *testConn) expectEngineEvent(typ engine.EventType) map[string]interface{} {
	tc.t.Helper()
	msg := tc.expect(EvtEngineEvent)
	data, _ := msg["data"].(map[string]interface{})
	require.Equal(tc.t, string(typ), data["type"], "engine event: %v", msg)
	return data
}

func (h *harness) nextRun() *enginetest.Run {
	h.t.Helper()
	run := h.eng.Next(waitFor)
	require.NotNil(h.t, run, "engine run was not started")
	return run
}

func waitDone(t *testing.T, run *enginetest.Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(waitFor):
		t.Fatal("run was not cancelled")
	}
}

type writes struct {
	messages []store.Message
	merged   []store.Message
	results  []store.ToolResult
	updates  []store.ConversationUpdate
}

type recordingWriter struct {
	mu    sync.Mutex
	convs map[string]string
	writes
}

func (w *recordingWriter) EnsureConversation(id, title string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.convs == nil {
		w.convs = make(map[string]string)
	}
	w.convs[id] = title
	return nil
}

func (w *recordingWriter) SaveMessage(m store.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, m)
	return nil
}

func (w *recordingWriter) MergeMessage(m store.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.merged = append(w.merged, m)
	return nil
}

func (w *recordingWriter) AppendToolResult(r store.ToolResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, r)
	return nil
}

func (w *recordingWriter) UpdateConversation(u store.ConversationUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, u)
	return nil
}

func (w *recordingWriter) snapshot() writes {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writes{
		messages: append([]store.Message(nil), w.messages...),
		merged:   append([]store.Message(nil), w.merged...),
		results:  append([]store.ToolResult(nil), w.results...),
		updates:  append([]store.ConversationUpdate(nil), w.updates...),
	}
}

type policyFunc func(role, tool string) engine.Decision

func (f policyFunc) Decide(role, tool string, _ json.RawMessage, _ ...string) engine.Decision {
	return f(role, tool)
}

type recordingCommitter struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *recordingCommitter) Commit(_ context.Context, _ string, files []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, files)
	return "abc123", nil
}

func TestConnectedEvent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	conn, ok := h.reg.Conn(c.id)
	require.True(t, ok)
	assert.Equal(t, "developer", conn.Role)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Equal(t, 1, h.router.Connections())
	assert.Equal(t, h.clock.Now().UnixMilli(), h.router.ServerEpoch())
}

func TestSendMessageStreamsToDone(t *testing.T) {
	committer := &recordingCommitter{}
	h := newHarness(t, harnessConfig{committer: committer})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "fix the build", ConversationID: "conv-1", ClientMessageID: "client-1", ModelOverride: "fast"})
	run := h.nextRun()
	assert.Equal(t, "fix the build", run.Req.Prompt)
	assert.Equal(t, "conv-1", run.Req.ConversationID)
	assert.Equal(t, "/work", run.Req.WorkingDir)
	assert.Equal(t, "fast", run.Req.Model)

	require.True(t, run.Emit(engine.Event{Type: engine.EventInit, ResumeID: "sess-1"}))
	require.True(t, run.Emit(engine.Event{Type: engine.EventText, MessageID: "m1", Text: "Looking"}))
	require.True(t, run.Emit(engine.Event{Type: engine.EventToolUse, Tool: &engine.ToolCall{ID: "t1", Name: "Edit", Kind: "edit", Paths: []string{"/work/main.go"}}}))
	require.True(t, run.Emit(engine.Event{Type: engine.EventToolResult, Tool: &engine.ToolCall{ID: "t1", Status: "completed", Output: "ok"}}))
	require.True(t, run.Emit(engine.Event{Type: engine.EventResult, ResumeID: "sess-1", Text: "end_turn"}))
	run.Finish()

	assert.Equal(t, "sess-1", c.expectEngineEvent(engine.EventInit)["resumeId"])
	assert.Equal(t, "Looking", c.expectEngineEvent(engine.EventText)["text"])
	c.expectEngineEvent(engine.EventToolUse)
	c.expectEngineEvent(engine.EventToolResult)
	c.expectEngineEvent(engine.EventResult)

	done := c.expect(EvtDone)
	assert.Equal(t, "conv-1", done["conversationId"])
	assert.Equal(t, "sess-1", done["engineResumeId"])

	conn, _ := h.reg.Conn(c.id)
	assert.Equal(t, "sess-1", conn.ResumeID)

	rec := h.store.snapshot()
	require.NotEmpty(t, rec.messages)
	assert.Equal(t, store.RoleUser, rec.messages[0].Role)
	assert.Equal(t, "client-1", rec.messages[0].ClientMessageID)
	require.Len(t, rec.merged, 1)
	assert.Equal(t, store.RoleAssistant, rec.merged[0].Role)
	require.Len(t, rec.results, 1)
	assert.Equal(t, "ok", rec.results[0].Content)
	require.Len(t, rec.updates, 1)
	assert.Equal(t, "sess-1", rec.updates[0].ResumeID)
	assert.Equal(t, "fast", rec.updates[0].Model)
	assert.True(t, rec.updates[0].IncrementTurn)
	assert.Equal(t, []string{"/work/main.go"}, rec.updates[0].EditedFiles)

	committer.mu.Lock()
	assert.Equal(t, [][]string{{"/work/main.go"}}, committer.calls)
	committer.mu.Unlock()
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "   "})
	msg := c.expect(EvtError)
	assert.Equal(t, CodeInvalidRequest, msg["errorCode"])
	assert.Empty(t, h.eng.Runs())
}

func TestSendMessageAssignsConversation(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "hello"})
	run := h.nextRun()
	require.NotEmpty(t, run.Req.ConversationID)

	conn, _ := h.reg.Conn(c.id)
	assert.Equal(t, run.Req.ConversationID, conn.ConversationID)
	owner, ok := h.reg.ResolveOwner(run.Req.ConversationID)
	require.True(t, ok)
	assert.Equal(t, c.id, owner.ID)
}

func TestSwitchStopsStaleLoop(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "first", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "a"}))
	c.expectEngineEvent(engine.EventText)

	c.send(Command{Type: CmdSwitchConversation, ConversationID: "conv-2"})
	c.sync()

	// The next event finds the loop stale; it is swallowed and the run aborted.
	run.Emit(engine.Event{Type: engine.EventText, Text: "b"})
	waitDone(t, run)
	c.sync()

	_, owned := h.reg.ResolveOwner("conv-1")
	assert.False(t, owned)
	assert.False(t, h.queries.IsRunning("conv-1"))
}

func TestDisconnectThenReconnectTakesOver(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	a := h.dial()

	a.send(Command{Type: CmdSendMessage, Text: "long task", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventInit, ResumeID: "sess-1"}))
	a.expectEngineEvent(engine.EventInit)

	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool { return h.router.Connections() == 0 }, waitFor, 10*time.Millisecond)
	assert.True(t, h.queries.IsRunning("conv-1"), "run survives the disconnect")

	b := h.dial()
	b.send(Command{Type: CmdReconnect, ConversationID: "conv-1"})
	res := b.expect(EvtReconnectResult)
	assert.Equal(t, StatusStreaming, res["status"])
	assert.Equal(t, "conv-1", res["conversationId"])

	conn, _ := h.reg.Conn(b.id)
	assert.Equal(t, "sess-1", conn.ResumeID)

	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "still going"}))
	assert.Equal(t, "still going", b.expectEngineEvent(engine.EventText)["text"])

	require.True(t, run.Emit(engine.Event{Type: engine.EventResult, ResumeID: "sess-1"}))
	run.Finish()
	done := b.expect(EvtDone)
	assert.Equal(t, "conv-1", done["conversationId"])
}

func TestRejectedSendKeepsCurrentStream(t *testing.T) {
	h := newHarness(t, harnessConfig{maxConcurrent: 1})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "one", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "a"}))
	c.expectEngineEvent(engine.EventText)
	epoch := h.reg.Epoch(c.id)

	c.send(Command{Type: CmdSendMessage, Text: "two", ConversationID: "conv-2"})
	msg := c.expect(EvtError)
	assert.Equal(t, CodeConcurrencyLimit, msg["errorCode"])

	assert.Equal(t, epoch, h.reg.Epoch(c.id), "a rejected send must not move the connection")
	owner, ok := h.reg.Owner("conv-1")
	require.True(t, ok)
	assert.Equal(t, c.id, owner)
	conn, _ := h.reg.Conn(c.id)
	assert.Equal(t, "conv-1", conn.ConversationID)

	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "b"}))
	assert.Equal(t, "b", c.expectEngineEvent(engine.EventText)["text"])
	assert.True(t, h.queries.IsRunning("conv-1"))

	require.True(t, run.Emit(engine.Event{Type: engine.EventResult, ResumeID: "sess-1"}))
	run.Finish()
	assert.Equal(t, "conv-1", c.expect(EvtDone)["conversationId"])
}

func TestIdleDisconnectReleasesOwnership(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "quick", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventResult, ResumeID: "sess-1"}))
	run.Finish()
	c.expect(EvtDone)
	require.Eventually(t, func() bool { return !h.queries.IsRunning("conv-1") }, waitFor, 10*time.Millisecond)

	owner, ok := h.reg.Owner("conv-1")
	require.True(t, ok)
	require.Equal(t, c.id, owner)

	require.NoError(t, c.ws.Close())
	require.Eventually(t, func() bool {
		_, ok := h.reg.Owner("conv-1")
		return !ok && h.router.Connections() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestResendSupersedesRunningTurn(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "first", ConversationID: "conv-1"})
	first := h.nextRun()
	require.True(t, first.Emit(engine.Event{Type: engine.EventText, Text: "partial"}))
	c.expectEngineEvent(engine.EventText)

	c.send(Command{Type: CmdSendMessage, Text: "second", ConversationID: "conv-1"})
	second := h.nextRun()
	assert.Equal(t, "second", second.Req.Prompt)
	waitDone(t, first)
	assert.False(t, first.Emit(engine.Event{Type: engine.EventText, Text: "late"}))

	require.True(t, second.Emit(engine.Event{Type: engine.EventText, Text: "fresh"}))
	require.True(t, second.Emit(engine.Event{Type: engine.EventResult, ResumeID: "sess-2"}))
	second.Finish()

	dones := 0
	for dones == 0 {
		msg := c.read()
		switch msg["type"] {
		case string(EvtError):
			t.Fatalf("superseded turn reported an error: %v", msg)
		case string(EvtEngineEvent):
			data, _ := msg["data"].(map[string]interface{})
			assert.NotEqual(t, "late", data["text"])
		case string(EvtDone):
			dones++
			assert.Equal(t, "sess-2", msg["engineResumeId"])
		}
	}
	// Only the second turn completes; nothing else follows its done.
	c.sync()
	assert.Len(t, h.eng.Runs(), 2)
}

func TestReconnectIdleConversation(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdReconnect, ConversationID: "conv-9", EngineResumeID: "sess-9"})
	res := c.expect(EvtReconnectResult)
	assert.Equal(t, StatusIdle, res["status"])

	conn, _ := h.reg.Conn(c.id)
	assert.Equal(t, "conv-9", conn.ConversationID)
	assert.Equal(t, "sess-9", conn.ResumeID)
}

func TestConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, harnessConfig{maxConcurrent: 1})
	a := h.dial()
	b := h.dial()

	a.send(Command{Type: CmdSendMessage, Text: "one", ConversationID: "conv-1"})
	h.nextRun()

	b.send(Command{Type: CmdSendMessage, Text: "two", ConversationID: "conv-2"})
	msg := b.expect(EvtError)
	assert.Equal(t, CodeConcurrencyLimit, msg["errorCode"])
	assert.Equal(t, "conv-2", msg["conversationId"])
	assert.Len(t, h.eng.Runs(), 1)
	assert.False(t, h.queries.Known("conv-2"))
}

func TestAbort(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "work", ConversationID: "conv-1"})
	run := h.nextRun()

	c.send(Command{Type: CmdAbort})
	res := c.expect(EvtAbortResult)
	assert.Equal(t, true, res["aborted"])
	assert.Equal(t, "conv-1", res["conversationId"])
	waitDone(t, run)

	// No done and no error after an abort.
	c.sync()

	c.send(Command{Type: CmdAbort, ConversationID: "conv-1"})
	res = c.expect(EvtAbortResult)
	assert.Equal(t, false, res["aborted"])
}

func TestAskUserTimeout(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "ask me", ConversationID: "conv-1"})
	run := h.nextRun()

	decision := make(chan engine.Decision, 1)
	go func() {
		decision <- run.Approve(engine.ToolCall{
			ID:    "t1",
			Name:  "AskUserQuestion",
			Input: json.RawMessage(`{"questions":[{"question":"Which database?","options":[{"label":"SQLite"},{"label":"Postgres"}]}]}`),
		})
	}()

	ask := c.expect(EvtAskUser)
	qid, _ := ask["questionId"].(string)
	require.NotEmpty(t, qid)

	h.clock.Advance(time.Minute)

	timeout := c.expect(EvtAskUserTimeout)
	assert.Equal(t, qid, timeout["questionId"])
	assert.Equal(t, []interface{}{"SQLite"}, timeout["selections"])

	select {
	case d := <-decision:
		assert.False(t, d.Allow)
		assert.False(t, d.Interrupt)
		assert.Contains(t, d.Message, "SQLite")
	case <-time.After(waitFor):
		t.Fatal("approval did not resolve")
	}

	// Answering after the timeout is a no-op.
	c.send(Command{Type: CmdAnswerQuestion, QuestionID: qid, AnswerText: "Postgres"})
	c.sync()
}

func TestAnswerQuestion(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "ask me", ConversationID: "conv-1"})
	run := h.nextRun()

	decision := make(chan engine.Decision, 1)
	go func() {
		decision <- run.Approve(engine.ToolCall{ID: "t1", Name: "AskUserQuestion", Input: json.RawMessage(`{"question":"Proceed?"}`)})
	}()

	ask := c.expect(EvtAskUser)
	c.send(Command{Type: CmdAnswerQuestion, QuestionID: ask["questionId"].(string), AnswerText: "yes, go ahead"})

	select {
	case d := <-decision:
		assert.False(t, d.Allow)
		assert.Contains(t, d.Message, "yes, go ahead")
	case <-time.After(waitFor):
		t.Fatal("approval did not resolve")
	}

	rec := h.store.snapshot()
	require.Len(t, rec.results, 1)
	assert.Equal(t, "t1", rec.results[0].ToolCallID)
}

func TestPendingQuestionReannouncedOnReconnect(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	a := h.dial()

	a.send(Command{Type: CmdSendMessage, Text: "ask me", ConversationID: "conv-1"})
	run := h.nextRun()
	go run.Approve(engine.ToolCall{ID: "t1", Name: "AskUserQuestion", Input: json.RawMessage(`{"question":"Proceed?"}`)})
	ask := a.expect(EvtAskUser)

	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool { return h.router.Connections() == 0 }, waitFor, 10*time.Millisecond)

	b := h.dial()
	b.send(Command{Type: CmdReconnect, ConversationID: "conv-1"})
	assert.Equal(t, StatusStreaming, b.expect(EvtReconnectResult)["status"])
	again := b.expect(EvtAskUser)
	assert.Equal(t, ask["questionId"], again["questionId"])
}

func TestPolicyDenial(t *testing.T) {
	deny := policyFunc(func(role, tool string) engine.Decision {
		if tool == "Bash" {
			return engine.Deny("role " + role + " may not run Bash")
		}
		return engine.Allow()
	})
	h := newHarness(t, harnessConfig{policy: deny})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "run it", ConversationID: "conv-1"})
	run := h.nextRun()

	d := run.Approve(engine.ToolCall{ID: "t1", Name: "Bash"})
	assert.False(t, d.Allow)
	assert.Equal(t, "role developer may not run Bash", d.Message)
	assert.True(t, run.Approve(engine.ToolCall{ID: "t2", Name: "Read"}).Allow)

	rec := h.store.snapshot()
	require.Len(t, rec.results, 1)
	assert.True(t, rec.results[0].IsError)
}

func TestHangTimeout(t *testing.T) {
	h := newHarness(t, harnessConfig{hangTimeout: 30 * time.Second})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "work", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "thinking..."}))
	c.expectEngineEvent(engine.EventText)

	h.clock.Advance(30 * time.Second)

	msg := c.expect(EvtError)
	assert.Equal(t, CodeHangTimeout, msg["errorCode"])
	waitDone(t, run)
}

func TestEngineErrorEndsTurn(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "work", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventError, Error: "agent crashed"}))
	run.Finish()

	msg := c.expect(EvtError)
	assert.Equal(t, CodeEngineError, msg["errorCode"])
	assert.Equal(t, "agent crashed", msg["message"])
	c.sync()
	assert.Empty(t, h.store.snapshot().updates)
}

func TestPingAndUnknownCommand(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	c := h.dial()

	c.sync()

	c.send(Command{Type: "teleport"})
	msg := c.expect(EvtError)
	assert.Equal(t, CodeUnknownCommand, msg["errorCode"])

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = c.expect(EvtError)
	assert.Equal(t, CodeInvalidRequest, msg["errorCode"])
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "fix the build", titleFrom("  fix\nthe   build "))
	long := strings.Repeat("a", 200)
	got := titleFrom(long)
	assert.Len(t, []rune(got), titleMaxLen)
	assert.True(t, strings.HasSuffix(got, "..."))
}

// sumByOutcome collects an int64 sum keyed by its outcome attribute.
func sumByOutcome(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	out := map[string]int64{}
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Errorf("collect metrics: %v", err)
		return out
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Errorf("%s is not an int64 sum", name)
				continue
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(telemetry.AttrOutcome)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestTurnMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := telemetry.NewMetrics(meter)
	require.NoError(t, err)

	h := newHarness(t, harnessConfig{metrics: m, hangTimeout: 30 * time.Second})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "one", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventResult, ResumeID: "sess-1"}))
	run.Finish()
	c.expect(EvtDone)

	c.send(Command{Type: CmdSendMessage, Text: "two", ConversationID: "conv-1"})
	run = h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "hmm"}))
	c.expectEngineEvent(engine.EventText)
	h.clock.Advance(30 * time.Second)
	c.expect(EvtError)

	require.Eventually(t, func() bool {
		got := sumByOutcome(t, reader, "router.turns")
		return got[telemetry.OutcomeCompleted] == 1 && got[telemetry.OutcomeHung] == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, int64(1), sumByOutcome(t, reader, "router.connections")[""])
}

func TestHangAfterSwitchIsSilent(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	h := newHarness(t, harnessConfig{metrics: m, hangTimeout: 30 * time.Second})
	c := h.dial()

	c.send(Command{Type: CmdSendMessage, Text: "work", ConversationID: "conv-1"})
	run := h.nextRun()
	require.True(t, run.Emit(engine.Event{Type: engine.EventText, Text: "thinking..."}))
	c.expectEngineEvent(engine.EventText)

	c.send(Command{Type: CmdSwitchConversation, ConversationID: "conv-2"})
	c.sync()

	h.clock.Advance(30 * time.Second)
	waitDone(t, run)
	require.Eventually(t, func() bool {
		return sumByOutcome(t, reader, "router.turns")[telemetry.OutcomeHung] == 1
	}, waitFor, 10*time.Millisecond)

	// The connection left conv-1 before the hang, so no hang_timeout reaches it.
	c.sync()
}
