// Package types defines the shared data model used across all voicecore packages.
//
// These types form the lingua franca between the telephony transport, the audio
// ingress, the provider clients, and the turn controller. Each package defines
// its own domain types, but cross-cutting structures live here to avoid
// circular imports.
package types

import "time"

// Direction indicates which way an audio frame is flowing.
type Direction int

const (
	// DirectionIn is caller → agent audio received from the telephony provider.
	DirectionIn Direction = iota

	// DirectionOut is agent → caller audio produced by TTS.
	DirectionOut
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// AudioFrame is a fixed-duration unit of telephony audio. Payload is raw μ-law
// at 8 kHz mono; the canonical internal frame is 20 ms = 160 bytes. Frames pass
// through the pipeline without transcoding.
type AudioFrame struct {
	// Seq is the per-direction monotonic sequence number.
	Seq uint64

	// Payload is the raw μ-law audio. Typically 160 bytes (20 ms at 8 kHz).
	Payload []byte

	// ReceivedAt is the wall-clock receipt (or synthesis) time.
	ReceivedAt time.Time

	// Monotonic is the receipt time on the monotonic clock, relative to call
	// start. Used for all latency arithmetic; wall clock is for logging only.
	Monotonic time.Duration

	// Direction is in (caller → agent) or out (agent → caller).
	Direction Direction
}

// DurationAt8kHz returns the play-out duration of the frame's payload assuming
// 8 kHz μ-law (one byte per sample).
func (f AudioFrame) DurationAt8kHz() time.Duration {
	return time.Duration(len(f.Payload)) * time.Millisecond / 8
}

// Transcript is a unit of recognized speech from the STT provider. Interim
// fragments supersede one another within an utterance; exactly one final
// fragment closes each utterance.
type Transcript struct {
	// FragmentID uniquely identifies this fragment.
	FragmentID string

	// UtteranceID groups all fragments of one contiguous span of caller speech.
	UtteranceID string

	// Text is the recognized text. May have sensitive classes redacted by the
	// provider (ssn, pci, numbers).
	Text string

	// Confidence is the provider's confidence in [0, 1].
	Confidence float64

	// IsFinal indicates a final (authoritative) fragment that closes the
	// utterance. False for interim fragments.
	IsFinal bool

	// SpeechFinal is set when the provider's endpointing detected the end of
	// the utterance, not just the end of a processing window.
	SpeechFinal bool

	// Start is the utterance start relative to call start.
	Start time.Duration

	// Duration is the recognized span length.
	Duration time.Duration

	// Language is the detected BCP-47 language tag, if detection is enabled.
	Language string
}

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn records one user or agent exchange with its per-stage timing.
// Timestamps are monotonic, relative to call start; zero means the stage was
// never reached.
type Turn struct {
	// ID uniquely identifies the turn within the call.
	ID string

	// Role is user or agent.
	Role Role

	// Text is the final user utterance or the agent's full spoken reply.
	Text string

	// UserEnd marks the end of the user utterance (final transcript receipt).
	UserEnd time.Duration

	// LLMFirstToken and LLMLastToken bracket the model stream.
	LLMFirstToken time.Duration
	LLMLastToken  time.Duration

	// TTSFirstByte and TTSLastByte bracket synthesized audio delivery.
	TTSFirstByte time.Duration
	TTSLastByte  time.Duration

	// Model is the identifier of the model that served the turn (agent turns).
	Model string

	// TokensIn and TokensOut are the prompt and completion token counts as
	// reported by the provider, or estimated when the provider omits them.
	TokensIn  int
	TokensOut int

	// Interrupted is set when the caller barged in during agent playback.
	Interrupted bool

	// InterruptedAt is the monotonic time of the barge-in. Populated iff
	// Interrupted is true.
	InterruptedAt time.Duration
}

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content.
	Content string

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying the call this answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema for the tool's input.
	Parameters map[string]any
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice/model identifier.
	ID string

	// Provider names the TTS backend this voice belongs to.
	Provider string

	// Speed adjusts speaking rate (0.5–2.0, 1.0 = default, 0 = unset).
	Speed float64

	// Pitch adjusts pitch (-10 to +10, 0 = default).
	Pitch float64

	// Emotion is an optional provider-specific emotion marker ("neutral",
	// "excited", ...). Empty means provider default.
	Emotion string
}

// ModelTier selects how much reasoning capacity a turn is given.
type ModelTier int

const (
	// TierFast is the low-latency tier for simple utterances.
	TierFast ModelTier = iota

	// TierMid balances quality and latency for moderately complex requests.
	TierMid

	// TierHeavy is the reasoning tier for explicit thinking requests or high
	// complexity scores.
	TierHeavy
)

// String returns the human-readable name of the tier.
func (t ModelTier) String() string {
	switch t {
	case TierMid:
		return "mid"
	case TierHeavy:
		return "heavy"
	default:
		return "fast"
	}
}

// DTMF is a telephone keypad digit received from the telephony provider.
// Logged only; digits do not currently affect turn-taking.
type DTMF struct {
	Digit     string
	Timestamp time.Duration
}
