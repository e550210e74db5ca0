// Package aura provides a Deepgram Aura-backed TTS provider using the speak
// HTTP API. It implements the tts.Provider interface.
//
// Each sentence is one POST; the response body streams raw μ-law audio
// (encoding=mulaw, sample_rate=8000, container=none), so the first chunk is
// available before synthesis of the tail finishes.
package aura

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/speak"
	defaultModel    = "aura-2-thalia-en"

	// readBuf is the chunk size for streaming the response body. 4 KiB is
	// half a second of μ-law audio.
	readBuf = 4096
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the default Aura voice model, used when the voice profile
// has no ID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the speak API endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements tts.Provider backed by the Deepgram speak API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// New creates an Aura Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("aura: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
		client:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize posts text to the speak endpoint and streams the μ-law body.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}

	reqURL, err := p.buildURL(voice)
	if err != nil {
		return nil, fmt.Errorf("aura: build URL: %w", err)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("aura: encode body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aura: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &tts.SynthesisError{Provider: "aura", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
			return nil, &tts.AuthError{Provider: "aura", Detail: detail}
		case http.StatusBadRequest, http.StatusNotFound:
			if strings.Contains(strings.ToLower(detail), "model") {
				return nil, &tts.VoiceError{Provider: "aura", VoiceID: voice.ID}
			}
			return nil, fmt.Errorf("aura: status %d: %s", resp.StatusCode, detail)
		default:
			return nil, &tts.SynthesisError{Provider: "aura", Err: fmt.Errorf("status %d: %s", resp.StatusCode, detail)}
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
					case out <- tts.Chunk{Err: &tts.SynthesisError{Provider: "aura", Err: err}}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out, nil
}

// buildURL constructs the speak endpoint URL with the fixed telephony audio
// parameters and the voice profile's optional speed, pitch, and emotion.
func (p *Provider) buildURL(voice types.VoiceProfile) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := voice.ID
	if model == "" {
		model = p.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("container", "none")
	if voice.Speed != 0 && voice.Speed != 1 {
		q.Set("speed", strconv.FormatFloat(voice.Speed, 'f', -1, 64))
	}
	if voice.Pitch != 0 {
		q.Set("pitch", strconv.FormatFloat(voice.Pitch, 'f', -1, 64))
	}
	if voice.Emotion != "" {
		q.Set("emotion", voice.Emotion)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "(empty body)"
	}
	return s
}
