// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Deepgram Aura or
// ElevenLabs) and presents a uniform per-sentence interface: one sentence of
// agent text in, a stream of raw μ-law audio chunks out. Sentence-level
// synthesis lets playback of sentence N overlap synthesis of sentence N+1.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/telvana/voicecore/pkg/types"
)

// ErrEmptyText is returned when Synthesize is called with no text.
var ErrEmptyText = errors.New("tts: text must not be empty")

// AuthError indicates rejected credentials or exhausted quota. Non-retryable.
type AuthError struct {
	Provider string
	Detail   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tts: %s authentication failed: %s", e.Provider, e.Detail)
}

// VoiceError indicates the requested voice is unknown to the provider. The
// caller should fall back to the provider's default voice.
type VoiceError struct {
	Provider string
	VoiceID  string
}

func (e *VoiceError) Error() string {
	return fmt.Sprintf("tts: %s unknown voice %q", e.Provider, e.VoiceID)
}

// SynthesisError indicates a transient synthesis failure. Retryable once; on
// the second failure the caller drops the sentence.
type SynthesisError struct {
	Provider string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("tts: %s synthesis: %v", e.Provider, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Chunk is one piece of synthesized audio. Err is set on the terminal chunk
// of a failed synthesis; a stream that closes without an Err chunk completed
// successfully.
type Chunk struct {
	// Audio is raw μ-law bytes. Chunk boundaries are arbitrary; the egress
	// pacer reframes to 20 ms.
	Audio []byte

	// Err reports a mid-stream synthesis failure. The channel closes after an
	// Err chunk.
	Err error
}

// Provider is the abstraction over any TTS backend.
//
// The synthesized audio is always raw μ-law at 8 kHz mono, matching the
// telephony wire format so no transcoding happens downstream.
type Provider interface {
	// Synthesize converts one sentence into audio. The returned channel emits
	// chunks as they arrive from the provider and is closed when synthesis
	// completes, fails, or ctx is cancelled.
	//
	// A non-nil error means synthesis could not start at all.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan Chunk, error)
}
