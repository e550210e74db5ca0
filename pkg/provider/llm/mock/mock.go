// Package mock provides an in-memory llm.Provider test double.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/telvana/voicecore/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider for tests. Responses are scripted: each
// StreamCompletion call consumes the next script entry (the last entry repeats
// when the script runs out).
type Provider struct {
	mu sync.Mutex

	// Script is the list of responses, consumed in order.
	Script []Response

	// DialErr, when non-nil, is returned by StreamCompletion and Complete.
	DialErr error

	// Requests records every request received.
	Requests []llm.CompletionRequest

	next int
}

// Response scripts one completion.
type Response struct {
	// Chunks are emitted in order. A terminal ChunkEnd is appended
	// automatically when the script omits one.
	Chunks []llm.Chunk

	// ChunkDelay inserts a pause before each chunk, for latency tests.
	ChunkDelay time.Duration

	// FirstDelay inserts a pause before the first chunk only.
	FirstDelay time.Duration
}

// Text returns a Response streaming text word by word.
func Text(text string) Response {
	var r Response
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		r.Chunks = append(r.Chunks, llm.Chunk{Kind: llm.ChunkText, Text: w})
	}
	return r
}

// RequestCount returns how many requests have been received.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

func (p *Provider) take(req llm.CompletionRequest) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.DialErr != nil {
		return Response{}, p.DialErr
	}
	if len(p.Script) == 0 {
		return Text("Okay."), nil
	}
	r := p.Script[p.next]
	if p.next < len(p.Script)-1 {
		p.next++
	}
	return r, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	r, err := p.take(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(r.Chunks)+1)
	go func() {
		defer close(ch)
		sawEnd := false
		for i, c := range r.Chunks {
			delay := r.ChunkDelay
			if i == 0 && r.FirstDelay > 0 {
				delay = r.FirstDelay
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if c.Kind == llm.ChunkEnd {
				sawEnd = true
			}
		}
		if !sawEnd {
			select {
			case ch <- llm.Chunk{Kind: llm.ChunkEnd, StopReason: "stop"}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider by collecting the stream.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	resp := &llm.CompletionResponse{}
	for c := range ch {
		switch c.Kind {
		case llm.ChunkText:
			sb.WriteString(c.Text)
		case llm.ChunkToolUse:
			resp.ToolCalls = append(resp.ToolCalls, c.ToolCall)
		case llm.ChunkEnd:
			if c.Err != nil {
				return nil, c.Err
			}
			resp.TokensIn = c.TokensIn
			resp.TokensOut = c.TokensOut
		}
	}
	resp.Content = sb.String()
	return resp, nil
}
