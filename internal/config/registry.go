package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/provider/stt"
	"github.com/telvana/voicecore/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create* methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("provider not registered")

// STTFactory constructs an STT provider from its config entry.
type STTFactory func(entry ProviderEntry) (stt.Provider, error)

// LLMFactory constructs an LLM provider from its config entry.
type LLMFactory func(entry ProviderEntry) (llm.Provider, error)

// TTSFactory constructs a TTS provider from its config entry.
type TTSFactory func(entry ProviderEntry) (tts.Provider, error)

// Registry maps provider names to constructor functions. The main package
// registers the built-in factories at startup; tests register mocks.
// All methods are safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]STTFactory
	llm map[string]LLMFactory
	tts map[string]TTSFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]STTFactory),
		llm: make(map[string]LLMFactory),
		tts: make(map[string]TTSFactory),
	}
}

// RegisterSTT registers an STT factory under name, replacing any previous
// registration.
func (r *Registry) RegisterSTT(name string, f STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = f
}

// RegisterLLM registers an LLM factory under name.
func (r *Registry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// RegisterTTS registers a TTS factory under name.
func (r *Registry) RegisterTTS(name string, f TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = f
}

// CreateSTT builds the STT provider named in entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stt %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateLLM builds the LLM provider named in entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateTTS builds the TTS provider named in entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tts %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}
