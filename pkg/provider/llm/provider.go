// Package llm defines the Provider interface for streaming Large Language
// Model backends.
//
// An LLM provider wraps a remote model API (a Converse-style streaming
// endpoint, OpenAI, or anything any-llm-go can reach) and exposes a uniform
// interface so the dispatcher never couples to a specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/telvana/voicecore/pkg/types"
)

// ErrNoChoices is returned when the provider responds without any completion.
var ErrNoChoices = errors.New("llm: response contained no choices")

// AuthError indicates rejected credentials or exhausted quota. Non-retryable:
// the call session must terminate.
type AuthError struct {
	Provider string
	Detail   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("llm: %s authentication failed: %s", e.Provider, e.Detail)
}

// NetworkError indicates a transient transport or 5xx failure. Retryable once
// with immediate reconnect.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("llm: %s network: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InferenceConfig carries sampling parameters for one request.
type InferenceConfig struct {
	// MaxTokens caps completion tokens. Zero means provider default.
	MaxTokens int

	// Temperature controls randomness in [0, 2]. Zero requests the provider
	// default.
	Temperature float64

	// TopP and TopK tune nucleus/top-k sampling. Zero means provider default.
	TopP float64
	TopK int
}

// ThinkingConfig enables extended-reasoning mode on providers that support
// it. Thinking chunks are surfaced but the voice pipeline discards them.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Model is the provider model identifier selected by the tier table.
	Model string

	// System is the high-priority preamble injected before the conversation.
	System string

	// Messages is the ordered conversation history; the last message is the
	// new user utterance.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. Empty
	// disables tool calling.
	Tools []types.ToolDefinition

	// Inference holds sampling parameters.
	Inference InferenceConfig

	// Thinking optionally enables extended reasoning. Nil disables it.
	Thinking *ThinkingConfig
}

// ChunkKind discriminates streaming chunk variants.
type ChunkKind int

const (
	// ChunkText carries incremental response text.
	ChunkText ChunkKind = iota

	// ChunkThinking carries reasoning text. Ignored for voice output.
	ChunkThinking

	// ChunkToolUse carries a tool invocation request.
	ChunkToolUse

	// ChunkEnd is the final chunk; it carries token counts and the stop
	// reason.
	ChunkEnd
)

// Chunk is a single event from a streaming completion.
type Chunk struct {
	Kind ChunkKind

	// Text is incremental content for ChunkText and ChunkThinking.
	Text string

	// ToolCall is set for ChunkToolUse.
	ToolCall types.ToolCall

	// StopReason is set on ChunkEnd: "stop", "length", "tool_use", or
	// "error".
	StopReason string

	// TokensIn and TokensOut are set on ChunkEnd when the provider reports
	// usage.
	TokensIn  int
	TokensOut int

	// Err is set on ChunkEnd with StopReason "error" for failures that occur
	// after the stream opened.
	Err error
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// ToolCalls lists tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// TokensIn and TokensOut are the reported usage counts.
	TokensIn  int
	TokensOut int
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must propagate context cancellation promptly: when ctx is
// cancelled the stream channel must close as quickly as possible; the
// dispatcher's barge-in budget is one frame period.
type Provider interface {
	// StreamCompletion sends req and returns a read-only channel emitting
	// Chunk values as they arrive. The channel is closed after ChunkEnd or on
	// cancellation. Callers must drain the channel to avoid goroutine leaks.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (bad credentials, malformed request, network down).
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. A convenience
	// wrapper around StreamCompletion for non-latency-critical callers
	// (history summarisation).
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// EstimateTokens returns a rough token count for text using the
// 4-characters-per-token approximation for Latin scripts. Never undercounts
// to zero for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessageTokens sums [EstimateTokens] across a message list,
// including roles and tool-call payloads.
func EstimateMessageTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + EstimateTokens(m.Role)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Name) + EstimateTokens(tc.Arguments)
		}
	}
	return total
}
