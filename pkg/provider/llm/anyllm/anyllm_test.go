package anyllm

import (
	"testing"

	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	m := types.Message{Role: "user", Content: "Hello!"}
	got := convertMessage(m)
	if got.Role != "user" {
		t.Errorf("expected role user, got %q", got.Role)
	}
	if got.ContentString() != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", got.ContentString())
	}
}

func TestConvertMessageToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "lookup_order", Arguments: `{"order_id":"42"}`},
		},
	}
	got := convertMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "lookup_order" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"order_id":"42"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
	if tc.Type != "function" {
		t.Errorf("type = %q", tc.Type)
	}
}

func TestBuildParams(t *testing.T) {
	req := llm.CompletionRequest{
		Model:  "claude-haiku",
		System: "You are a phone agent.",
		Messages: []types.Message{
			{Role: "user", Content: "hi"},
		},
		Inference: llm.InferenceConfig{MaxTokens: 128, Temperature: 0.5},
		Tools: []types.ToolDefinition{
			{Name: "lookup_order", Parameters: map[string]any{"type": "object"}},
		},
	}

	params, err := buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "claude-haiku" {
		t.Errorf("model = %q", params.Model)
	}
	// System prompt becomes the leading system-role message.
	if len(params.Messages) != 2 || params.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", params.Messages)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("maxTokens = %v", params.MaxTokens)
	}
	if params.Temperature == nil || *params.Temperature != 0.5 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "lookup_order" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

func TestBuildParamsRequiresModel(t *testing.T) {
	if _, err := buildParams(llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New("nonsense"); err == nil {
		t.Fatal("expected error for unknown provider name")
	}
}
