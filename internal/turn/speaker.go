package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/telvana/voicecore/internal/egress"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// sentenceTimeout bounds one synthesis request.
	sentenceTimeout = 5 * time.Second
)

// Speaker synthesizes sentences in order and feeds the audio to egress. It
// implements dispatch.SentenceSink; the dispatcher calls Speak serially, so
// sentence audio is enqueued in source order.
//
// A failed synthesis is retried once; on the second failure the sentence is
// dropped with a warning so the turn keeps flowing. An unknown voice falls
// back to the provider default for the rest of the call.
type Speaker struct {
	provider tts.Provider
	out      *egress.Egress
	bus      *events.Bus
	logger   *slog.Logger
	callID   string

	mu         sync.Mutex
	voice      types.VoiceProfile
	firstAudio time.Time
	lastAudio  time.Time
	notify     chan<- struct{}
	timeout    time.Duration
}

// NewSpeaker creates the synthesis stage for one call.
func NewSpeaker(callID string, provider tts.Provider, out *egress.Egress, voice types.VoiceProfile, bus *events.Bus, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		provider: provider,
		out:      out,
		bus:      bus,
		logger:   logger,
		callID:   callID,
		voice:    voice,
		timeout:  sentenceTimeout,
	}
}

// BeginTurn resets the per-turn audio timestamps. notify receives one value
// on the turn's first audio byte; nil disables notification.
func (s *Speaker) BeginTurn(notify chan<- struct{}) {
	s.mu.Lock()
	s.firstAudio = time.Time{}
	s.lastAudio = time.Time{}
	s.notify = notify
	s.mu.Unlock()
}

// AudioSpan returns the first and last audio timestamps of the current turn.
// Zero values mean no audio was synthesized.
func (s *Speaker) AudioSpan() (first, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstAudio, s.lastAudio
}

// Speak synthesizes one sentence and enqueues its audio, blocking until the
// audio is handed to egress. Implements dispatch.SentenceSink.
func (s *Speaker) Speak(ctx context.Context, sentence string) error {
	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		err := s.synthesize(ctx, sentence, started)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		var voiceErr *tts.VoiceError
		if errors.As(err, &voiceErr) {
			// Unknown voice never recovers by retrying it; switch to the
			// provider default for the rest of the call.
			s.mu.Lock()
			s.voice = types.VoiceProfile{}
			s.mu.Unlock()
			s.bus.Publish(events.New(events.KindVoiceFallback, s.callID, events.F(
				"voice_id", voiceErr.VoiceID)))
			continue
		}
		s.logger.Warn("synthesis failed", "call_id", s.callID, "attempt", attempt, "err", err)
	}

	// Second failure: drop the sentence, keep the turn alive.
	s.bus.Publish(events.New(events.KindSynthesisFailed, s.callID, events.F(
		"chars", len(sentence), "err", lastErr.Error())))
	observe.DefaultMetrics().RecordTurnFailed(ctx, "tts")
	return nil
}

func (s *Speaker) synthesize(ctx context.Context, sentence string, emitted time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	voice := s.voice
	s.mu.Unlock()

	ch, err := s.provider.Synthesize(ctx, sentence, voice)
	if err != nil {
		return err
	}

	firstChunk := true
	for chunk := range ch {
		if chunk.Err != nil {
			return chunk.Err
		}
		if firstChunk {
			firstChunk = false
			latency := time.Since(emitted)
			observe.DefaultMetrics().TTSFirstAudio.Record(ctx, latency.Seconds())
			s.bus.Publish(events.New(events.KindTTSFirstAudio, s.callID, events.F(
				"latency_ms", latency.Milliseconds(), "chars", len(sentence))))
		}
		s.markAudio()
		if err := s.out.Enqueue(ctx, chunk.Audio); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.out.EndSegment(ctx)
}

// markAudio stamps the turn's audio span and fires the first-audio
// notification once per turn.
func (s *Speaker) markAudio() {
	now := time.Now()
	s.mu.Lock()
	s.lastAudio = now
	first := s.firstAudio.IsZero()
	if first {
		s.firstAudio = now
	}
	notify := s.notify
	s.mu.Unlock()

	if first && notify != nil {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}
