package resilience

import (
	"context"
	"io"

	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

// GuardedLLM wraps an llm.Provider with a Breaker. Stream outcomes are
// recorded from the terminal chunk, so a mid-stream provider failure counts
// like a failed dial.
type GuardedLLM struct {
	inner   llm.Provider
	breaker *Breaker
}

var _ llm.Provider = (*GuardedLLM)(nil)

// GuardLLM wraps provider with breaker.
func GuardLLM(provider llm.Provider, breaker *Breaker) *GuardedLLM {
	return &GuardedLLM{inner: provider, breaker: breaker}
}

// StreamCompletion implements llm.Provider.
func (g *GuardedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	done, err := g.breaker.Begin()
	if err != nil {
		return nil, err
	}
	inner, err := g.inner.StreamCompletion(ctx, req)
	if err != nil {
		done(err)
		return nil, err
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		var streamErr error
		sawEnd := false
		for chunk := range inner {
			if chunk.Kind == llm.ChunkEnd {
				sawEnd = true
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				done(ctx.Err())
				return
			}
		}
		if !sawEnd && streamErr == nil {
			if streamErr = ctx.Err(); streamErr == nil {
				streamErr = io.ErrUnexpectedEOF
			}
		}
		done(streamErr)
	}()
	return out, nil
}

// Complete implements llm.Provider.
func (g *GuardedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := g.breaker.Do(func() error {
		var err error
		resp, err = g.inner.Complete(ctx, req)
		return err
	})
	return resp, err
}

// GuardedTTS wraps a tts.Provider with a Breaker.
type GuardedTTS struct {
	inner   tts.Provider
	breaker *Breaker
}

var _ tts.Provider = (*GuardedTTS)(nil)

// GuardTTS wraps provider with breaker.
func GuardTTS(provider tts.Provider, breaker *Breaker) *GuardedTTS {
	return &GuardedTTS{inner: provider, breaker: breaker}
}

// Synthesize implements tts.Provider.
func (g *GuardedTTS) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	done, err := g.breaker.Begin()
	if err != nil {
		return nil, err
	}
	inner, err := g.inner.Synthesize(ctx, text, voice)
	if err != nil {
		done(err)
		return nil, err
	}

	out := make(chan tts.Chunk, 4)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range inner {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				done(ctx.Err())
				return
			}
		}
		if streamErr == nil {
			streamErr = ctx.Err()
		}
		done(streamErr)
	}()
	return out, nil
}
