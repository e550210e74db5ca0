// Package converse provides an llm.Provider speaking a Converse-style
// streaming HTTP contract: a single POST with the full request body, answered
// by a newline-delimited JSON chunk stream with kinds text, thinking,
// tool_use, and end.
package converse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/types"
)

// maxChunkBytes bounds a single chunk line. Responses are sentence-sized
// deltas; 1 MiB is generous headroom.
const maxChunkBytes = 1 << 20

var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client. The default has no timeout: the
// caller's context bounds each request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAPIKey sets the bearer token sent on each request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// Provider implements llm.Provider over a Converse-style HTTP endpoint.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New creates a Provider targeting endpoint (the full URL of the streaming
// completion resource).
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("converse: endpoint must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		client:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireInference struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
	TopK        int     `json:"topK,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type wireToolConfig struct {
	Tools      []wireTool `json:"tools"`
	ToolChoice string     `json:"toolChoice"`
}

type wireThinking struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens int  `json:"budgetTokens,omitempty"`
}

type wireRequest struct {
	Model           string          `json:"model,omitempty"`
	Messages        []wireMessage   `json:"messages"`
	System          string          `json:"system,omitempty"`
	InferenceConfig wireInference   `json:"inferenceConfig"`
	ToolConfig      *wireToolConfig `json:"toolConfig"`
	ThinkingConfig  *wireThinking   `json:"thinkingConfig,omitempty"`
	Stream          bool            `json:"stream"`
}

// wireChunk is one newline-delimited response line.
type wireChunk struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`

	ToolUse struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"toolUse,omitempty"`

	StopReason string `json:"stopReason,omitempty"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage,omitempty"`
	Error string `json:"error,omitempty"`
}

func buildWireRequest(req llm.CompletionRequest, stream bool) wireRequest {
	wr := wireRequest{
		Model:  req.Model,
		System: req.System,
		InferenceConfig: wireInference{
			MaxTokens:   req.Inference.MaxTokens,
			Temperature: req.Inference.Temperature,
			TopP:        req.Inference.TopP,
			TopK:        req.Inference.TopK,
		},
		Stream: stream,
	}
	wr.Messages = make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	if len(req.Tools) > 0 {
		tc := &wireToolConfig{ToolChoice: "auto"}
		for _, t := range req.Tools {
			tc.Tools = append(tc.Tools, wireTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters,
			})
		}
		wr.ToolConfig = tc
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		wr.ThinkingConfig = &wireThinking{
			Enabled:      true,
			BudgetTokens: req.Thinking.BudgetTokens,
		}
	}
	return wr
}

// StreamCompletion posts req and emits chunks as they arrive on the wire.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.post(ctx, buildWireRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), maxChunkBytes)
		sawEnd := false
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			chunk, ok := parseChunk(line)
			if !ok {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Kind == llm.ChunkEnd {
				sawEnd = true
				return
			}
		}
		if sawEnd {
			return
		}
		// Stream ended without an end chunk: surface the cause.
		err := sc.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- llm.Chunk{
			Kind:       llm.ChunkEnd,
			StopReason: "error",
			Err:        &llm.NetworkError{Provider: "converse", Err: err},
		}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Complete posts req without streaming and collects the chunk stream into one
// response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	resp := &llm.CompletionResponse{}
	for chunk := range ch {
		switch chunk.Kind {
		case llm.ChunkText:
			sb.WriteString(chunk.Text)
		case llm.ChunkToolUse:
			resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCall)
		case llm.ChunkEnd:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			resp.TokensIn = chunk.TokensIn
			resp.TokensOut = chunk.TokensOut
		}
	}
	resp.Content = sb.String()
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, llm.ErrNoChoices
	}
	return resp, nil
}

func (p *Provider) post(ctx context.Context, wr wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("converse: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("converse: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.NetworkError{Provider: "converse", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusPaymentRequired:
			return nil, &llm.AuthError{Provider: "converse", Detail: detail}
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, &llm.NetworkError{Provider: "converse", Err: fmt.Errorf("status %d: %s", resp.StatusCode, detail)}
		default:
			return nil, fmt.Errorf("converse: status %d: %s", resp.StatusCode, detail)
		}
	}
	return resp, nil
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "(empty body)"
	}
	return s
}

// parseChunk converts one wire line into an llm.Chunk. Unknown kinds are
// skipped so the contract can grow without breaking older clients.
func parseChunk(line []byte) (llm.Chunk, bool) {
	var wc wireChunk
	if err := json.Unmarshal(line, &wc); err != nil {
		return llm.Chunk{}, false
	}

	switch wc.Kind {
	case "text":
		return llm.Chunk{Kind: llm.ChunkText, Text: wc.Text}, true
	case "thinking":
		return llm.Chunk{Kind: llm.ChunkThinking, Text: wc.Text}, true
	case "tool_use":
		return llm.Chunk{
			Kind: llm.ChunkToolUse,
			ToolCall: types.ToolCall{
				ID:        wc.ToolUse.ID,
				Name:      wc.ToolUse.Name,
				Arguments: string(wc.ToolUse.Arguments),
			},
		}, true
	case "end":
		chunk := llm.Chunk{
			Kind:       llm.ChunkEnd,
			StopReason: wc.StopReason,
			TokensIn:   wc.Usage.InputTokens,
			TokensOut:  wc.Usage.OutputTokens,
		}
		if wc.Error != "" {
			chunk.StopReason = "error"
			chunk.Err = fmt.Errorf("converse: %s", wc.Error)
		}
		return chunk, true
	}
	return llm.Chunk{}, false
}
