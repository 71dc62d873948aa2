package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-router/internal/clock"
	"github.com/workspace/session-router/internal/engine"
)

type recordingNotifier struct {
	mu       sync.Mutex
	asked    []Pending
	timeouts []Pending
	selected [][]string
	askedCh  chan Pending
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{askedCh: make(chan Pending, 16)}
}

func (n *recordingNotifier) AskUser(p Pending) {
	n.mu.Lock()
	n.asked = append(n.asked, p)
	n.mu.Unlock()
	n.askedCh <- p
}

func (n *recordingNotifier) AskUserTimeout(p Pending, selections []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timeouts = append(n.timeouts, p)
	n.selected = append(n.selected, selections)
}

func newTestGate(t *testing.T) (*Gate, *recordingNotifier, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	g := NewGate(Config{Timeout: time.Minute, Clock: clk})
	n := newRecordingNotifier()
	g.SetNotifier(n)
	return g, n, clk
}

func askAsync(g *Gate, ctx context.Context, conv string, qs []Question) <-chan engine.Decision {
	out := make(chan engine.Decision, 1)
	go func() { out <- g.Ask(ctx, conv, qs) }()
	return out
}

func waitAsked(t *testing.T, n *recordingNotifier) Pending {
	t.Helper()
	select {
	case p := <-n.askedCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("question was never announced")
		return Pending{}
	}
}

func TestAnswerResolvesAsDenyWithExplanation(t *testing.T) {
	t.Parallel()

	g, n, _ := newTestGate(t)
	done := askAsync(g, context.Background(), "c1", []Question{{Question: "Which db?"}})
	p := waitAsked(t, n)
	assert.Equal(t, "c1", p.ConversationID)

	require.True(t, g.Answer(p.ID, "use postgres"))
	assert.False(t, g.Answer(p.ID, "again"), "second answer must be a no-op")

	d := <-done
	assert.False(t, d.Allow)
	assert.False(t, d.Interrupt)
	assert.Contains(t, d.Message, "use postgres")
	assert.Empty(t, g.PendingFor("c1"))
}

func TestTimeoutSelectsFirstOptions(t *testing.T) {
	t.Parallel()

	g, n, clk := newTestGate(t)
	qs := []Question{
		{Question: "Color?", Options: []Option{{Label: "red"}, {Label: "blue"}}},
		{Question: "Size?", Options: []Option{{Label: "small"}, {Label: "large"}}},
	}
	done := askAsync(g, context.Background(), "c1", qs)
	p := waitAsked(t, n)

	clk.Advance(time.Minute)

	d := <-done
	assert.False(t, d.Allow)
	assert.Contains(t, d.Message, "Color?: red")
	assert.Contains(t, d.Message, "Size?: small")

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.timeouts, 1)
	assert.Equal(t, p.ID, n.timeouts[0].ID)
	assert.Equal(t, []string{"red", "small"}, n.selected[0])
	assert.False(t, g.Answer(p.ID, "late"))
}

func TestTimeoutWithoutOptionsUsesNoResponse(t *testing.T) {
	t.Parallel()

	g, n, clk := newTestGate(t)
	done := askAsync(g, context.Background(), "c1", []Question{{Question: "Anything else?"}})
	waitAsked(t, n)
	clk.Advance(time.Minute)

	d := <-done
	assert.Contains(t, d.Message, NoResponse)
}

func TestContextCancelResolvesAsInterrupt(t *testing.T) {
	t.Parallel()

	g, n, clk := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := askAsync(g, ctx, "c1", []Question{{Question: "Proceed?"}})
	p := waitAsked(t, n)

	cancel()
	d := <-done
	assert.True(t, d.Interrupt)
	assert.False(t, g.Answer(p.ID, "yes"))
	assert.Equal(t, 0, clk.Pending(), "timer must be stopped on early resolution")
}

func TestCancelConversation(t *testing.T) {
	t.Parallel()

	g, n, _ := newTestGate(t)
	d1 := askAsync(g, context.Background(), "c1", []Question{{Question: "a"}})
	waitAsked(t, n)
	d2 := askAsync(g, context.Background(), "c2", []Question{{Question: "b"}})
	waitAsked(t, n)

	assert.Equal(t, 1, g.CancelConversation("c1"))
	assert.True(t, (<-d1).Interrupt)
	assert.Len(t, g.PendingFor("c2"), 1)

	g.CancelConversation("c2")
	<-d2
}

func TestRacingResolutionsResolveExactlyOnce(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		g, n, clk := newTestGate(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := askAsync(g, ctx, "c1", []Question{{Question: "q", Options: []Option{{Label: "x"}}}})
		p := waitAsked(t, n)

		var wg sync.WaitGroup
		var answered bool
		wg.Add(3)
		go func() { defer wg.Done(); answered = g.Answer(p.ID, "human") }()
		go func() { defer wg.Done(); clk.Advance(time.Minute) }()
		go func() { defer wg.Done(); cancel() }()
		wg.Wait()

		d := <-done
		n.mu.Lock()
		timedOut := len(n.timeouts)
		n.mu.Unlock()

		wins := 0
		if answered {
			wins++
			assert.Contains(t, d.Message, "human")
		}
		if timedOut == 1 {
			wins++
			assert.Contains(t, d.Message, "q: x")
		}
		if d.Interrupt {
			wins++
		}
		assert.Equal(t, 1, wins, "iteration %d: exactly one resolution must win", i)
		assert.Empty(t, g.PendingFor("c1"))
		select {
		case <-done:
			t.Fatal("decision delivered twice")
		default:
		}
	}
}

func TestPendingForReannouncesInOrder(t *testing.T) {
	t.Parallel()

	g, n, clk := newTestGate(t)
	askAsync(g, context.Background(), "c1", []Question{{Question: "first"}})
	first := waitAsked(t, n)
	clk.Advance(time.Second)
	askAsync(g, context.Background(), "c1", []Question{{Question: "second"}})
	waitAsked(t, n)

	pending := g.PendingFor("c1")
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	g.CancelConversation("c1")
}

func TestParseQuestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{name: "questions list", in: `{"questions":[{"question":"a","options":[{"label":"x"}]},{"question":"b"}]}`, want: 2},
		{name: "inline", in: `{"question":"a","options":["x","y"]}`, want: 1},
		{name: "nested raw input", in: `{"title":"ask","rawInput":{"questions":[{"question":"a"}]}}`, want: 1},
		{name: "empty", in: ``, wantErr: true},
		{name: "no questions", in: `{"foo":1}`, wantErr: true},
		{name: "blank question", in: `{"questions":[{"question":""}]}`, wantErr: true},
		{name: "blank option label", in: `{"question":"a","options":[{"label":""}]}`, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseQuestions(json.RawMessage(tc.in))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}

	qs, err := ParseQuestions(json.RawMessage(`{"question":"a","options":["x","y"]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", qs[0].DefaultSelection())
}
