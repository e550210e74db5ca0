// Package mock provides an in-memory tts.Provider test double.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/telvana/voicecore/pkg/audio"
	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider for tests. By default each sentence
// synthesizes to BytesPerChar μ-law silence bytes per input character, so
// tests can predict audio lengths from text lengths.
type Provider struct {
	mu sync.Mutex

	// StartErr, when non-nil, is returned by Synthesize before any audio.
	StartErr error

	// FailNext makes the next synthesis emit a terminal error chunk after any
	// queued audio, then resets.
	FailNext bool

	// FirstDelay inserts a pause before the first chunk, for latency tests.
	FirstDelay time.Duration

	// BytesPerChar scales synthesized audio length. Zero means 80 (one 10 ms
	// of audio per character).
	BytesPerChar int

	// Sentences records every synthesized sentence in order.
	Sentences []string

	// Voices records the profile of each call.
	Voices []types.VoiceProfile
}

// SentenceCount returns how many sentences have been synthesized.
func (p *Provider) SentenceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sentences)
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	p.Sentences = append(p.Sentences, text)
	p.Voices = append(p.Voices, voice)
	fail := p.FailNext
	p.FailNext = false
	perChar := p.BytesPerChar
	if perChar == 0 {
		perChar = 80
	}
	delay := p.FirstDelay
	p.mu.Unlock()

	out := make(chan tts.Chunk, 8)
	go func() {
		defer close(out)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		payload := audio.Silence(len(text) * perChar)
		for len(payload) > 0 {
			n := 4096
			if n > len(payload) {
				n = len(payload)
			}
			select {
			case out <- tts.Chunk{Audio: payload[:n]}:
			case <-ctx.Done():
				return
			}
			payload = payload[n:]
		}
		if fail {
			select {
			case out <- tts.Chunk{Err: &tts.SynthesisError{Provider: "mock", Err: context.DeadlineExceeded}}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
