package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/provider/llm/mock"
	"github.com/telvana/voicecore/pkg/types"
)

var testTiers = config.ModelTiers{
	Heavy: config.TierEntry{ID: "model-heavy", MaxTokens: 2048},
	Mid:   config.TierEntry{ID: "model-mid", MaxTokens: 1024},
	Fast:  config.TierEntry{ID: "model-fast", MaxTokens: 512},
}

// recordSink collects spoken sentences.
type recordSink struct {
	mu        sync.Mutex
	sentences []string
}

func (s *recordSink) Speak(_ context.Context, sentence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentences = append(s.sentences, sentence)
	return nil
}

func (s *recordSink) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sentences))
	copy(out, s.sentences)
	return out
}

// fakeTools answers every call with a canned result.
type fakeTools struct {
	mu    sync.Mutex
	calls []types.ToolCall
}

func (f *fakeTools) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{Name: "lookup_order", Description: "Look up an order."}}
}

func (f *fakeTools) Call(_ context.Context, call types.ToolCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return `{"status":"shipped"}`, nil
}

func newDispatcher(t *testing.T, p *mock.Provider, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Tiers.Fast.ID == "" {
		cfg.Tiers = testTiers
	}
	bus := events.NewBus(events.DiscardSink{}, 100)
	t.Cleanup(func() { bus.Close() })
	h := NewHistory(config.HistoryConfig{}, nil)
	return New("call-1", p, h, bus, nil, cfg)
}

func TestDispatchStreamsSentences(t *testing.T) {
	p := &mock.Provider{Script: []mock.Response{
		mock.Text("Our return policy allows 30 days. Is there anything else?"),
	}}
	d := newDispatcher(t, p, Config{SystemPrompt: "be helpful"})
	sink := &recordSink{}

	prep := d.Prepare(context.Background(), "what is your return policy")
	res, err := d.Dispatch(context.Background(), prep, sink)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := []string{"Our return policy allows 30 days.", "Is there anything else?"}
	got := sink.spoken()
	if len(got) != len(want) {
		t.Fatalf("sentences = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
	if res.Sentences != 2 {
		t.Errorf("Sentences = %d", res.Sentences)
	}
	if res.Model != "model-fast" || res.Tier != types.TierFast {
		t.Errorf("served by %s/%v", res.Model, res.Tier)
	}
	if res.FirstToken <= 0 {
		t.Errorf("FirstToken = %s", res.FirstToken)
	}

	req := p.Requests[0]
	if req.Model != "model-fast" || req.System != "be helpful" {
		t.Errorf("request = %+v", req)
	}
	if req.Inference.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d", req.Inference.MaxTokens)
	}
}

func TestPrepareSelectsHeavyForThinking(t *testing.T) {
	d := newDispatcher(t, &mock.Provider{}, Config{})
	prep := d.Prepare(context.Background(), "please think carefully about the best plan for me")
	if prep.Tier != types.TierHeavy || !prep.Thinking {
		t.Errorf("prepared tier %v thinking %v", prep.Tier, prep.Thinking)
	}
	if prep.Model.ID != "model-heavy" {
		t.Errorf("model = %s", prep.Model.ID)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	p := &mock.Provider{Script: []mock.Response{
		{Chunks: []llm.Chunk{{Kind: llm.ChunkEnd, StopReason: "error",
			Err: &llm.NetworkError{Provider: "test", Err: errors.New("502")}}}},
		mock.Text("All good now."),
	}}
	d := newDispatcher(t, p, Config{})
	sink := &recordSink{}

	res, err := d.Dispatch(context.Background(), d.Prepare(context.Background(), "hi"), sink)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if p.RequestCount() != 2 {
		t.Errorf("requests = %d, want 2", p.RequestCount())
	}
	if res.Text != "All good now." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestDispatchNeverRetriesAfterSpeech(t *testing.T) {
	p := &mock.Provider{Script: []mock.Response{
		{Chunks: []llm.Chunk{
			{Kind: llm.ChunkText, Text: "Let me check that. "},
			{Kind: llm.ChunkEnd, StopReason: "error",
				Err: &llm.NetworkError{Provider: "test", Err: errors.New("reset")}},
		}},
		mock.Text("This must never play."),
	}}
	d := newDispatcher(t, p, Config{})
	sink := &recordSink{}

	_, err := d.Dispatch(context.Background(), d.Prepare(context.Background(), "hi"), sink)
	var failed *TurnFailedError
	if !errors.As(err, &failed) || failed.Kind != "llm" {
		t.Fatalf("Dispatch = %v, want TurnFailedError{llm}", err)
	}
	if p.RequestCount() != 1 {
		t.Errorf("requests = %d: retried after audio was spoken", p.RequestCount())
	}
}

func TestDispatchHardTimeout(t *testing.T) {
	p := &mock.Provider{Script: []mock.Response{
		{FirstDelay: time.Second, Chunks: []llm.Chunk{{Kind: llm.ChunkText, Text: "late"}}},
	}}
	d := newDispatcher(t, p, Config{SoftBudget: 20 * time.Millisecond, HardBudget: 80 * time.Millisecond})
	sink := &recordSink{}

	start := time.Now()
	_, err := d.Dispatch(context.Background(), d.Prepare(context.Background(), "hi"), sink)
	var failed *TurnFailedError
	if !errors.As(err, &failed) || !errors.Is(err, ErrLLMTimeout) {
		t.Fatalf("Dispatch = %v, want timeout failure", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %s", elapsed)
	}
	if len(sink.spoken()) != 0 {
		t.Errorf("spoke %q after timeout", sink.spoken())
	}
}

func TestCancelStopsStream(t *testing.T) {
	p := &mock.Provider{Script: []mock.Response{
		{ChunkDelay: 30 * time.Millisecond, Chunks: []llm.Chunk{
			{Kind: llm.ChunkText, Text: "One sentence. "},
			{Kind: llm.ChunkText, Text: "Two sentences. "},
			{Kind: llm.ChunkText, Text: "Three sentences. "},
			{Kind: llm.ChunkText, Text: "Four sentences. "},
		}},
	}}
	d := newDispatcher(t, p, Config{})
	sink := &recordSink{}

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), d.Prepare(context.Background(), "hi"), sink)
		done <- err
	}()

	// Let roughly two sentences through, then barge in.
	time.Sleep(75 * time.Millisecond)
	d.Cancel()
	d.Cancel() // idempotent

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Dispatch = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after Cancel")
	}
	if n := len(sink.spoken()); n == 0 || n >= 4 {
		t.Errorf("spoke %d sentences", n)
	}
}

func TestDispatchToolRound(t *testing.T) {
	tools := &fakeTools{}
	p := &mock.Provider{Script: []mock.Response{
		{Chunks: []llm.Chunk{
			{Kind: llm.ChunkToolUse, ToolCall: types.ToolCall{
				ID: "t1", Name: "lookup_order", Arguments: `{"order_id":"42"}`}},
			{Kind: llm.ChunkEnd, StopReason: "tool_use", TokensIn: 20, TokensOut: 5},
		}},
		mock.Text("Your order has shipped."),
	}}
	d := newDispatcher(t, p, Config{Tools: tools})
	sink := &recordSink{}

	res, err := d.Dispatch(context.Background(), d.Prepare(context.Background(),
		"where is my order 42 and when will the delivery arrive"), sink)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(tools.calls) != 1 || tools.calls[0].Name != "lookup_order" {
		t.Fatalf("tool calls = %+v", tools.calls)
	}
	if res.Text != "Your order has shipped." {
		t.Errorf("text = %q", res.Text)
	}
	if res.TokensIn < 20 {
		t.Errorf("TokensIn = %d", res.TokensIn)
	}

	// The second request carries the tool round.
	second := p.Requests[1]
	foundTool := false
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "t1" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Errorf("second request lacks the tool result: %+v", second.Messages)
	}
}

func TestDispatchFlushesTrailingText(t *testing.T) {
	p := &mock.Provider{Script: []mock.Response{
		{Chunks: []llm.Chunk{{Kind: llm.ChunkText, Text: "No trailing punctuation here"}}},
	}}
	d := newDispatcher(t, p, Config{})
	sink := &recordSink{}

	res, err := d.Dispatch(context.Background(), d.Prepare(context.Background(), "hi"), sink)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Sentences != 1 || res.Text != "No trailing punctuation here" {
		t.Errorf("result = %+v", res)
	}
}
