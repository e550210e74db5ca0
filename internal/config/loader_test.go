package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
providers:
  stt:
    name: deepgram
    api_key: dg-key
  llm:
    name: converse
    api_key: llm-key
  tts:
    name: aura
    api_key: tts-key
model_tiers:
  heavy:
    id: sonnet-large
    max_tokens: 2048
  mid:
    id: sonnet-mid
  fast:
    id: haiku-fast
call:
  greeting: "Hi, how can I help?"
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.STT.Name != "deepgram" || cfg.Providers.STT.APIKey != "dg-key" {
		t.Errorf("stt entry = %+v", cfg.Providers.STT)
	}
	if cfg.Models.Heavy.ID != "sonnet-large" || cfg.Models.Heavy.MaxTokens != 2048 {
		t.Errorf("heavy tier = %+v", cfg.Models.Heavy)
	}
}

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"max_duration", cfg.Call.MaxDuration, 60 * time.Minute},
		{"silence_timeout", cfg.Call.SilenceTimeout, 8 * time.Second},
		{"grace_drain", cfg.Call.GraceDrain, 500 * time.Millisecond},
		{"vad.start_frames", cfg.VAD.StartFrames, 2},
		{"vad.end_frames", cfg.VAD.EndFrames, 10},
		{"jitter.target", cfg.Jitter.Target, 50 * time.Millisecond},
		{"jitter.max", cfg.Jitter.Max, 200 * time.Millisecond},
		{"history.max_turns", cfg.History.MaxTurns, 50},
		{"history.max_input_tokens", cfg.History.MaxInputTokens, 8000},
		{"event_sink.queue_depth", cfg.EventSink.QueueDepth, 10000},
		{"mid.max_tokens", cfg.Models.Mid.MaxTokens, 512},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Call.FallbackUtterance == "" {
		t.Error("fallback_utterance default not applied")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvSTTAPIKey, "env-stt")
	t.Setenv(EnvTTSAPIKey, "env-tts")

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.APIKey != "env-stt" {
		t.Errorf("stt api key = %q, want env override", cfg.Providers.STT.APIKey)
	}
	if cfg.Providers.TTS.APIKey != "env-tts" {
		t.Errorf("tts api key = %q, want env override", cfg.Providers.TTS.APIKey)
	}
	// LLM key untouched.
	if cfg.Providers.LLM.APIKey != "llm-key" {
		t.Errorf("llm api key = %q, want file value", cfg.Providers.LLM.APIKey)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing stt provider",
			mutate:  func(c *Config) { c.Providers.STT.Name = "" },
			wantSub: "providers.stt.name",
		},
		{
			name:    "missing fast tier",
			mutate:  func(c *Config) { c.Models.Fast.ID = "" },
			wantSub: "model_tiers.fast.id",
		},
		{
			name:    "jitter target above max",
			mutate:  func(c *Config) { c.Jitter.Target = 300 * time.Millisecond },
			wantSub: "jitter.target",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "loud" },
			wantSub: "log_level",
		},
		{
			name:    "tool server without command",
			mutate:  func(c *Config) { c.Tools = []ToolServer{{Name: "dice"}} },
			wantSub: "tools[0].command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("serverz:\n  foo: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}
