// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// streaming text-to-speech HTTP API with ulaw_8000 output. It implements the
// tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	outputFormat   = "ulaw_8000"

	readBuf = 4096
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(base, "/") }
}

// WithDefaultVoice sets the voice used when the profile has no ID.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) { p.defaultVoice = voiceID }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	defaultVoice string
	client       *http.Client
}

// New creates an ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speakRequest is the JSON body of the streaming synthesis call.
type speakRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object. Speed maps from
// the profile; stability and similarity stay at service defaults.
type voiceSettings struct {
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize posts one sentence to the streaming endpoint and relays the
// μ-law body as it arrives.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: no voice ID and no default voice configured")
	}

	sr := speakRequest{Text: text, ModelID: p.model}
	if voice.Speed != 0 && voice.Speed != 1 {
		sr.VoiceSettings = &voiceSettings{Speed: voice.Speed}
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode body: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s", p.baseURL, voiceID, outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &tts.SynthesisError{Provider: "elevenlabs", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
			return nil, &tts.AuthError{Provider: "elevenlabs", Detail: detail}
		case http.StatusNotFound:
			return nil, &tts.VoiceError{Provider: "elevenlabs", VoiceID: voiceID}
		default:
			return nil, &tts.SynthesisError{Provider: "elevenlabs", Err: fmt.Errorf("status %d: %s", resp.StatusCode, detail)}
		}
	}

	out := make(chan tts.Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		for {
			buf := make([]byte, readBuf)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case out <- tts.Chunk{Audio: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					select {
					case out <- tts.Chunk{Err: &tts.SynthesisError{Provider: "elevenlabs", Err: err}}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out, nil
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "(empty body)"
	}
	return s
}
