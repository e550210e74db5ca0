package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telvana/voicecore/pkg/provider/llm"
	llmmock "github.com/telvana/voicecore/pkg/provider/llm/mock"
	ttsmock "github.com/telvana/voicecore/pkg/provider/tts/mock"
	"github.com/telvana/voicecore/pkg/types"
)

func TestGuardedLLMPassesStreamThrough(t *testing.T) {
	p := &llmmock.Provider{Script: []llmmock.Response{llmmock.Text("Hello there.")}}
	g := GuardLLM(p, New(Config{Name: "llm"}, nil))

	ch, err := g.StreamCompletion(context.Background(), llm.CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text := ""
	for c := range ch {
		if c.Kind == llm.ChunkText {
			text += c.Text
		}
	}
	if text != "Hello there." {
		t.Errorf("text = %q", text)
	}
	if g.breaker.State() != Closed {
		t.Errorf("state = %v", g.breaker.State())
	}
}

func TestGuardedLLMCountsStreamFailures(t *testing.T) {
	p := &llmmock.Provider{Script: []llmmock.Response{
		{Chunks: []llm.Chunk{{Kind: llm.ChunkEnd, StopReason: "error",
			Err: &llm.NetworkError{Provider: "test", Err: errors.New("reset")}}}},
	}}
	g := GuardLLM(p, New(Config{Name: "llm", TripAfter: 2, CoolOff: time.Hour}, nil))

	for i := 0; i < 2; i++ {
		ch, err := g.StreamCompletion(context.Background(), llm.CompletionRequest{Model: "m"})
		if err != nil {
			t.Fatalf("StreamCompletion %d: %v", i, err)
		}
		for range ch {
		}
	}

	if g.breaker.State() != Open {
		t.Fatalf("state = %v, want open after stream errors", g.breaker.State())
	}
	if _, err := g.StreamCompletion(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrOpen) {
		t.Errorf("StreamCompletion while open = %v", err)
	}
}

func TestGuardedTTSCountsDialFailures(t *testing.T) {
	p := &ttsmock.Provider{StartErr: errors.New("connection refused")}
	g := GuardTTS(p, New(Config{Name: "tts", TripAfter: 2, CoolOff: time.Hour}, nil))

	for i := 0; i < 2; i++ {
		if _, err := g.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
			t.Fatalf("Synthesize %d succeeded", i)
		}
	}
	if g.breaker.State() != Open {
		t.Fatalf("state = %v, want open", g.breaker.State())
	}
	if _, err := g.Synthesize(context.Background(), "hi", types.VoiceProfile{}); !errors.Is(err, ErrOpen) {
		t.Errorf("Synthesize while open = %v", err)
	}
}

func TestGuardedTTSCancellationDoesNotTrip(t *testing.T) {
	p := &ttsmock.Provider{FirstDelay: 50 * time.Millisecond}
	g := GuardTTS(p, New(Config{Name: "tts", TripAfter: 1, CoolOff: time.Hour}, nil))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := g.Synthesize(ctx, "a sentence", types.VoiceProfile{})
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		cancel()
		for range ch {
		}
	}
	if g.breaker.State() != Closed {
		t.Errorf("state = %v, barge-in cancellations tripped the breaker", g.breaker.State())
	}
}
