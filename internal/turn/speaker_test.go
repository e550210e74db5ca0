package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telvana/voicecore/internal/egress"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/pkg/provider/tts"
	ttsmock "github.com/telvana/voicecore/pkg/provider/tts/mock"
	"github.com/telvana/voicecore/pkg/types"
)

// captureSink records event kinds for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Write(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (s *captureSink) waitFor(t *testing.T, kind events.Kind, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for s.count(kind) < n {
		select {
		case <-deadline:
			t.Fatalf("never saw %d %s events (have %d)", n, kind, s.count(kind))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// nullSink is an egress FrameSink that discards frames.
type nullSink struct {
	mu     sync.Mutex
	frames int
	clears int
}

func (s *nullSink) SendFrame(context.Context, types.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *nullSink) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *nullSink) Mark(context.Context, string) error { return nil }

func newSpeaker(t *testing.T, p tts.Provider, voice types.VoiceProfile) (*Speaker, *egress.Egress, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	bus := events.NewBus(sink, 100)
	t.Cleanup(func() { bus.Close() })
	out := egress.New("call-1", &nullSink{}, bus, nil)
	return NewSpeaker("call-1", p, out, voice, bus, nil), out, sink
}

func TestSpeakerEnqueuesAudio(t *testing.T) {
	p := &ttsmock.Provider{BytesPerChar: 16}
	s, out, _ := newSpeaker(t, p, types.VoiceProfile{ID: "voice-a"})
	s.BeginTurn(nil)

	// 20 chars at 16 B/char = 320 bytes = 2 full frames.
	if err := s.Speak(context.Background(), "twenty characters ok"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := out.QueuedDuration(); got != 40*time.Millisecond {
		t.Errorf("queued = %s, want 40ms", got)
	}
	if p.Voices[0].ID != "voice-a" {
		t.Errorf("voice = %+v", p.Voices[0])
	}

	first, last := s.AudioSpan()
	if first.IsZero() || last.Before(first) {
		t.Errorf("audio span = %v .. %v", first, last)
	}
}

func TestSpeakerNotifiesFirstAudioOnce(t *testing.T) {
	p := &ttsmock.Provider{BytesPerChar: 16}
	s, _, _ := newSpeaker(t, p, types.VoiceProfile{})
	notify := make(chan struct{}, 2)
	s.BeginTurn(notify)

	if err := s.Speak(context.Background(), "first sentence"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := s.Speak(context.Background(), "second sentence"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(notify) != 1 {
		t.Errorf("notifications = %d, want 1 per turn", len(notify))
	}
}

func TestSpeakerRetriesOnce(t *testing.T) {
	p := &ttsmock.Provider{BytesPerChar: 16, FailNext: true}
	s, _, sink := newSpeaker(t, p, types.VoiceProfile{})
	s.BeginTurn(nil)

	if err := s.Speak(context.Background(), "retry me"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if p.SentenceCount() != 2 {
		t.Errorf("attempts = %d, want 2", p.SentenceCount())
	}
	if sink.count(events.KindSynthesisFailed) != 0 {
		t.Error("recovered retry reported as synthesis failure")
	}
}

func TestSpeakerDropsSentenceAfterSecondFailure(t *testing.T) {
	p := &ttsmock.Provider{StartErr: errors.New("synthesis backend down")}
	s, out, sink := newSpeaker(t, p, types.VoiceProfile{})
	s.BeginTurn(nil)

	// The sentence is dropped, not fatal: the turn keeps flowing.
	if err := s.Speak(context.Background(), "this will be dropped"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if out.QueuedDuration() != 0 {
		t.Errorf("audio queued for a dropped sentence: %s", out.QueuedDuration())
	}
	sink.waitFor(t, events.KindSynthesisFailed, 1)
}

// voiceRejectingProvider fails any non-default voice with a VoiceError.
type voiceRejectingProvider struct {
	ttsmock.Provider
}

func (p *voiceRejectingProvider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	if voice.ID != "" {
		return nil, &tts.VoiceError{Provider: "mock", VoiceID: voice.ID}
	}
	return p.Provider.Synthesize(ctx, text, voice)
}

func TestSpeakerFallsBackToDefaultVoice(t *testing.T) {
	p := &voiceRejectingProvider{Provider: ttsmock.Provider{BytesPerChar: 16}}
	s, out, sink := newSpeaker(t, p, types.VoiceProfile{ID: "no-such-voice"})
	s.BeginTurn(nil)

	if err := s.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if out.QueuedDuration() == 0 {
		t.Error("no audio after voice fallback")
	}
	if len(p.Voices) != 1 || p.Voices[0].ID != "" {
		t.Errorf("voices = %+v, want one default-voice call", p.Voices)
	}
	sink.waitFor(t, events.KindVoiceFallback, 1)

	// The fallback sticks for subsequent sentences.
	if err := s.Speak(context.Background(), "again"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if sink.count(events.KindVoiceFallback) != 1 {
		t.Errorf("voice fallback re-fired")
	}
}

func TestSpeakerCancellation(t *testing.T) {
	p := &ttsmock.Provider{BytesPerChar: 16, FirstDelay: 200 * time.Millisecond}
	s, _, _ := newSpeaker(t, p, types.VoiceProfile{})
	s.BeginTurn(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := s.Speak(ctx, "never finishes"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Speak = %v, want context.Canceled", err)
	}
}
