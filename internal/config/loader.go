package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names for secret overrides. Values set in the
// environment take precedence over the YAML file so that keys never need to
// live on disk.
const (
	EnvSTTAPIKey    = "VOICECORE_STT_API_KEY"
	EnvLLMAPIKey    = "VOICECORE_LLM_API_KEY"
	EnvTTSAPIKey    = "VOICECORE_TTS_API_KEY"
	EnvEventSinkDSN = "VOICECORE_EVENT_SINK_DSN"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides copies secret values from the environment into cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvSTTAPIKey); v != "" {
		cfg.Providers.STT.APIKey = v
	}
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := os.Getenv(EnvTTSAPIKey); v != "" {
		cfg.Providers.TTS.APIKey = v
	}
	if v := os.Getenv(EnvEventSinkDSN); v != "" {
		cfg.EventSink.PostgresDSN = v
	}
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Call.MaxDuration <= 0 {
		cfg.Call.MaxDuration = 60 * time.Minute
	}
	if cfg.Call.SilenceTimeout <= 0 {
		cfg.Call.SilenceTimeout = 8 * time.Second
	}
	if cfg.Call.GraceDrain <= 0 {
		cfg.Call.GraceDrain = 500 * time.Millisecond
	}
	if cfg.Call.FallbackUtterance == "" {
		cfg.Call.FallbackUtterance = "I'm having a little trouble with that — could you say it again?"
	}
	if cfg.VAD.EnergyThreshold <= 0 {
		cfg.VAD.EnergyThreshold = 0.02
	}
	if cfg.VAD.StartFrames <= 0 {
		cfg.VAD.StartFrames = 2
	}
	if cfg.VAD.EndFrames <= 0 {
		cfg.VAD.EndFrames = 10
	}
	if cfg.Jitter.Target <= 0 {
		cfg.Jitter.Target = 50 * time.Millisecond
	}
	if cfg.Jitter.Max <= 0 {
		cfg.Jitter.Max = 200 * time.Millisecond
	}
	if cfg.History.MaxTurns <= 0 {
		cfg.History.MaxTurns = 50
	}
	if cfg.History.MaxInputTokens <= 0 {
		cfg.History.MaxInputTokens = 8000
	}
	if cfg.EventSink.QueueDepth <= 0 {
		cfg.EventSink.QueueDepth = 10000
	}
	if cfg.Models.Heavy.MaxTokens <= 0 {
		cfg.Models.Heavy.MaxTokens = 1024
	}
	if cfg.Models.Mid.MaxTokens <= 0 {
		cfg.Models.Mid.MaxTokens = 512
	}
	if cfg.Models.Fast.MaxTokens <= 0 {
		cfg.Models.Fast.MaxTokens = 256
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// The three pipeline providers are mandatory: a call cannot be accepted
	// without all initial handshakes.
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	if cfg.Jitter.Target > cfg.Jitter.Max {
		errs = append(errs, fmt.Errorf("jitter.target %s exceeds jitter.max %s", cfg.Jitter.Target, cfg.Jitter.Max))
	}
	if cfg.VAD.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.2f is out of range (0, 1)", cfg.VAD.EnergyThreshold))
	}

	// Tier ids: at least the fast tier must be routable; heavier tiers fall
	// back downward when unset.
	if cfg.Models.Fast.ID == "" {
		errs = append(errs, errors.New("model_tiers.fast.id is required"))
	}

	for i, srv := range cfg.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
	}

	return errors.Join(errs...)
}
