// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a persistent duplex recognition service (e.g.,
// Deepgram live) and presents a uniform session interface: push raw μ-law
// audio in, receive typed messages (interim and final transcripts,
// speech-start and utterance-end signals, metadata, errors) out.
//
// Connection-level policy (keep-alive cadence, wire framing) lives in the
// provider implementation. Session-level policy (health tracking, reconnect
// backoff, utterance-lost detection) lives in the sttclient stage that wraps
// a Provider.
//
// Implementations must be safe for concurrent use: multiple calls each open
// their own session.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telvana/voicecore/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// AuthError indicates the provider rejected the credentials or the account is
// out of quota. Non-retryable: the call session must terminate.
type AuthError struct {
	Provider string
	Detail   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("stt: %s authentication failed: %s", e.Provider, e.Detail)
}

// ConnectError indicates the duplex connection could not be established or was
// lost. Retryable with bounded backoff.
type ConnectError struct {
	Provider string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("stt: %s connect: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamConfig carries the recognition options sent during the session
// handshake. The zero value is not valid; use [DefaultStreamConfig].
type StreamConfig struct {
	// Encoding is the audio codec. Fixed to "mulaw" for the telephony core.
	Encoding string

	// SampleRate in Hz. Fixed to 8000.
	SampleRate int

	// Channels. Fixed to 1.
	Channels int

	// Model selects the provider recognition model.
	Model string

	// Language is the initial language hint (BCP-47).
	Language string

	// DetectLanguage enables provider-side language identification.
	DetectLanguage bool

	// InterimResults enables early partial transcripts.
	InterimResults bool

	// Utterances enables provider-side utterance grouping.
	Utterances bool

	// VADEvents enables SpeechStarted messages from provider endpointing.
	VADEvents bool

	// Endpointing is the silence window that closes an utterance.
	Endpointing time.Duration

	// UtteranceEnd is the maximum hang time before the provider forces an
	// utterance end.
	UtteranceEnd time.Duration

	// SmartFormat, Numerals, FillerWords toggle provider text formatting.
	SmartFormat bool
	Numerals    bool
	FillerWords bool

	// Redact lists sensitive classes removed from returned text
	// (e.g. "ssn", "pci", "numbers").
	Redact []string
}

// DefaultStreamConfig returns the fixed telephony-core recognition options.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Encoding:       "mulaw",
		SampleRate:     8000,
		Channels:       1,
		Language:       "en-US",
		DetectLanguage: true,
		InterimResults: true,
		Utterances:     true,
		VADEvents:      true,
		Endpointing:    150 * time.Millisecond,
		UtteranceEnd:   400 * time.Millisecond,
		SmartFormat:    true,
		Numerals:       true,
		FillerWords:    true,
		Redact:         []string{"ssn", "pci", "numbers"},
	}
}

// MessageKind discriminates the variants of [Message].
type MessageKind int

const (
	// MessageTranscript carries an interim or final [types.Transcript].
	MessageTranscript MessageKind = iota

	// MessageSpeechStarted signals provider-side speech detection.
	MessageSpeechStarted

	// MessageUtteranceEnd signals the provider closed the current utterance.
	MessageUtteranceEnd

	// MessageMetadata carries detected language and model info.
	MessageMetadata

	// MessageError carries a provider error. Retriable errors should trigger
	// a reconnect; non-retriable errors (auth, quota) end the call.
	MessageError
)

// Message is one inbound item from the recognition stream.
type Message struct {
	Kind MessageKind

	// Transcript is set when Kind is MessageTranscript.
	Transcript types.Transcript

	// Timestamp is set for MessageSpeechStarted and MessageUtteranceEnd.
	Timestamp time.Duration

	// Language and ModelInfo are set for MessageMetadata.
	Language  string
	ModelInfo string

	// Err and Retriable are set for MessageError.
	Err       error
	Retriable bool
}

// SessionHandle is an active duplex recognition session for a single call.
//
// A SessionHandle is owned by one sttclient worker. SendAudio and Messages may
// be used from different goroutines; other methods must not be called
// concurrently.
type SessionHandle interface {
	// SendAudio queues one raw μ-law chunk for delivery to the provider.
	// Non-blocking up to the internal buffer; returns ErrSessionClosed after
	// Close.
	SendAudio(chunk []byte) error

	// Messages returns the inbound message stream. The channel is closed when
	// the connection drops or the session is closed; a drop is preceded by a
	// MessageError when the cause is known.
	Messages() <-chan Message

	// Close flushes pending audio, signals end-of-stream to the provider, and
	// tears down the connection. Safe to call multiple times.
	Close() error
}

// Provider is the factory for recognition sessions.
type Provider interface {
	// StartStream dials the provider and performs the configuration
	// handshake. The session is live when StartStream returns.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
