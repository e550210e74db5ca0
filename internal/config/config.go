// Package config provides the configuration schema, loader, and provider
// registry for the voicecore server.
package config

import "time"

// LogLevel controls log verbosity for the voicecore server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicecore. It is loaded from
// a YAML file via [Load]; secrets may be overridden from the environment
// (VOICECORE_STT_API_KEY, VOICECORE_LLM_API_KEY, VOICECORE_TTS_API_KEY,
// VOICECORE_EVENT_SINK_DSN).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Call      CallConfig      `yaml:"call"`
	VAD       VADConfig       `yaml:"vad"`
	Jitter    JitterConfig    `yaml:"jitter"`
	Models    ModelTiers      `yaml:"model_tiers"`
	History   HistoryConfig   `yaml:"history"`
	EventSink EventSinkConfig `yaml:"event_sink"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     []ToolServer    `yaml:"tools"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// The telephony provider dials the /call websocket endpoint here.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which external provider serves each pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. Name selects the registered implementation in the [Registry].
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram", "converse",
	// "openai", "anyllm:anthropic", "aura", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key. May be supplied via environment
	// override instead of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model where the provider kind has no tier
	// table (STT, TTS).
	Model string `yaml:"model"`
}

// CallConfig bounds a single call.
type CallConfig struct {
	// MaxDuration is the hard wall-clock cap per call. Default 60 min.
	MaxDuration time.Duration `yaml:"max_duration"`

	// SilenceTimeout returns the turn controller to Listening when the caller
	// goes quiet mid-utterance. Default 8 s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// GraceDrain is how long EndCall waits for queued outbound audio before
	// cancelling workers. Default 500 ms.
	GraceDrain time.Duration `yaml:"grace_drain"`

	// Greeting is spoken when the call goes active. Empty disables the
	// greeting and the agent waits for the caller to speak first.
	Greeting string `yaml:"greeting"`

	// FallbackUtterance is spoken when a turn fails downstream.
	FallbackUtterance string `yaml:"fallback_utterance"`
}

// VADConfig tunes the voice activity detector.
type VADConfig struct {
	// EnergyThreshold is the normalized mean-amplitude floor for a voiced
	// frame. Default 0.02 (conversational voice at telephony band).
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// StartFrames is the consecutive voiced frames required to declare
	// activity (K). Default 2 = 40 ms.
	StartFrames int `yaml:"start_frames"`

	// EndFrames is the consecutive silent frames required to declare the end
	// of activity (M). Default 10 = 200 ms.
	EndFrames int `yaml:"end_frames"`
}

// JitterConfig tunes the adaptive jitter buffer.
type JitterConfig struct {
	// Target is the initial occupancy target. Default 50 ms.
	Target time.Duration `yaml:"target"`

	// Max is the hard occupancy cap. Default 200 ms.
	Max time.Duration `yaml:"max"`
}

// ModelTiers maps the three selection tiers to concrete model identifiers.
type ModelTiers struct {
	Heavy TierEntry `yaml:"heavy"`
	Mid   TierEntry `yaml:"mid"`
	Fast  TierEntry `yaml:"fast"`
}

// TierEntry names one tier's model and its completion budget.
type TierEntry struct {
	// ID is the provider model identifier.
	ID string `yaml:"id"`

	// MaxTokens caps completion tokens for this tier.
	MaxTokens int `yaml:"max_tokens"`
}

// HistoryConfig bounds the per-call conversation history.
type HistoryConfig struct {
	// MaxTurns is the turn-count bound. Default 50.
	MaxTurns int `yaml:"max_turns"`

	// MaxInputTokens is the estimated-token ceiling for an assembled LLM
	// prompt. Default 8000.
	MaxInputTokens int `yaml:"max_input_tokens"`
}

// EventSinkConfig selects where structured events go.
type EventSinkConfig struct {
	// QueueDepth is the bounded bus capacity. Default 10000.
	QueueDepth int `yaml:"queue_depth"`

	// PostgresDSN, when set, routes events to a Postgres sink instead of the
	// NDJSON stdout sink.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AgentConfig is the default agent profile applied to inbound calls.
type AgentConfig struct {
	// SystemPrompt is the base system preamble for LLM requests.
	SystemPrompt string `yaml:"system_prompt"`

	// VoiceID is the default TTS voice/model identifier.
	VoiceID string `yaml:"voice_id"`

	// Vocabulary lists domain terms the transcript corrector snaps
	// near-misses onto (product names, brand terms).
	Vocabulary []string `yaml:"vocabulary"`
}

// ToolServer configures one MCP server offered to the LLM.
type ToolServer struct {
	// Name labels the server in logs and tool namespacing.
	Name string `yaml:"name"`

	// Command launches a stdio MCP server (argv[0]).
	Command string `yaml:"command"`

	// Args are passed to Command.
	Args []string `yaml:"args"`
}
