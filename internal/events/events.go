// Package events provides the typed structured event stream emitted by each
// call session and the bounded, non-blocking bus that delivers it to an
// external sink.
//
// Events are fire-and-forget from the pipeline's perspective: Publish never
// blocks the caller for more than the time it takes to append to a bounded
// queue. When the queue is full the oldest event is dropped and an
// EventDropped counter is incremented; observability must never add latency
// to the audio path.
package events

import "time"

// Kind enumerates every event type the core emits.
type Kind string

// Lifecycle events.
const (
	KindCallStarted    Kind = "call_started"
	KindCallEnded      Kind = "call_ended"
	KindStageRestarted Kind = "stage_restarted"
)

// Audio events.
const (
	KindVoiceActivityStarted Kind = "voice_activity_started"
	KindVoiceActivityEnded   Kind = "voice_activity_ended"
	KindIngressDrop          Kind = "ingress_drop"
	KindOutputUnderrun       Kind = "output_underrun"
)

// STT events.
const (
	KindTranscriptInterim Kind = "transcript_interim"
	KindTranscriptFinal   Kind = "transcript_final"
	KindSTTReconnected    Kind = "stt_reconnected"
	KindUtteranceLost     Kind = "utterance_lost"
)

// Turn events.
const (
	KindTurnOpened      Kind = "turn_opened"
	KindTurnClosed      Kind = "turn_closed"
	KindTurnInterrupted Kind = "turn_interrupted"
	KindModelSelected   Kind = "model_selected"
	KindUserSilent      Kind = "user_silent"
)

// LLM events.
const (
	KindLLMFirstToken Kind = "llm_first_token"
	KindLLMCompleted  Kind = "llm_completed"
	KindLLMSlowWarn   Kind = "llm_slow_warn"
	KindLLMTimeout    Kind = "llm_timeout"
	KindTurnFailed    Kind = "turn_failed"
)

// TTS events.
const (
	KindTTSFirstAudio   Kind = "tts_first_audio"
	KindTTSCompleted    Kind = "tts_completed"
	KindSynthesisFailed Kind = "synthesis_failed"
	KindVoiceFallback   Kind = "voice_fallback"
)

// Bus-internal events.
const (
	KindEventDropped Kind = "event_dropped"
)

// Event is one structured event. Fields holds kind-specific payload values
// (reason, latency_ms, frames, ...) and is marshalled as a flat JSON object.
type Event struct {
	// Kind identifies the event type.
	Kind Kind `json:"kind"`

	// CallID is the owning call. Empty only for process-level events.
	CallID string `json:"call_id,omitempty"`

	// Time is the wall-clock emission time.
	Time time.Time `json:"time"`

	// Fields carries kind-specific values. Values must be JSON-encodable.
	Fields map[string]any `json:"fields,omitempty"`
}

// New constructs an event stamped with the current time. fields may be nil.
func New(kind Kind, callID string, fields map[string]any) Event {
	return Event{Kind: kind, CallID: callID, Time: time.Now().UTC(), Fields: fields}
}

// SinceMs reports the elapsed whole milliseconds since start, the unit every
// latency and duration field uses.
func SinceMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// F is shorthand for building a Fields map at a Publish call site.
func F(kv ...any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}
