package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	defaultMaxTurns       = 50
	defaultMaxInputTokens = 8000

	// summaryMaxTokens caps the summarization completion.
	summaryMaxTokens = 256
)

// SummarizeFunc condenses a slice of conversation messages into a short
// summary paragraph. Typically backed by the fast-tier model via
// [NewSummarizer].
type SummarizeFunc func(ctx context.Context, msgs []types.Message) (string, error)

// NewSummarizer builds a SummarizeFunc on the given provider and model.
func NewSummarizer(provider llm.Provider, model string) SummarizeFunc {
	return func(ctx context.Context, msgs []types.Message) (string, error) {
		var sb strings.Builder
		for _, m := range msgs {
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		resp, err := provider.Complete(ctx, llm.CompletionRequest{
			Model:  model,
			System: "Summarize the following call transcript fragment in at most three sentences. Keep names, numbers, and commitments.",
			Messages: []types.Message{
				{Role: "user", Content: sb.String()},
			},
			Inference: llm.InferenceConfig{MaxTokens: summaryMaxTokens},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// History is the bounded per-call conversation history. Appends come from the
// turn controller as turns close; Assemble builds the pruned message list for
// the next LLM request. Safe for concurrent use.
type History struct {
	mu        sync.Mutex
	msgs      []types.Message
	summary   string
	maxTurns  int
	maxTokens int
	summarize SummarizeFunc
}

// NewHistory creates a history bounded by cfg. summarize may be nil, in which
// case the summarize-oldest prune strategy is skipped.
func NewHistory(cfg config.HistoryConfig, summarize SummarizeFunc) *History {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = defaultMaxInputTokens
	}
	return &History{
		maxTurns:  cfg.MaxTurns,
		maxTokens: cfg.MaxInputTokens,
		summarize: summarize,
	}
}

// Add appends one message, evicting the oldest beyond the turn bound.
func (h *History) Add(msg types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	if len(h.msgs) > h.maxTurns {
		h.msgs = h.msgs[len(h.msgs)-h.maxTurns:]
	}
}

// AddExchange appends a closed user/assistant turn pair.
func (h *History) AddExchange(userText, assistantText string) {
	h.Add(types.Message{Role: "user", Content: userText})
	h.Add(types.Message{Role: "assistant", Content: assistantText})
}

// Len returns the stored message count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Summary returns the rolling summary of pruned turns, empty until the first
// summarization prune.
func (h *History) Summary() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary
}

// Assemble returns the history plus the new user utterance, pruned so that the
// estimated token count of system + history + utterance fits the input budget.
// Prune strategies apply in order: summarize the oldest half, drop redundant
// exchanges, compress repeated entity mentions, truncate oldest-first.
func (h *History) Assemble(ctx context.Context, system, userText string) []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	user := types.Message{Role: "user", Content: userText}
	fixed := llm.EstimateTokens(system) + llm.EstimateTokens(h.summary) +
		llm.EstimateMessageTokens([]types.Message{user})
	budget := h.maxTokens - fixed

	if llm.EstimateMessageTokens(h.msgs) > budget {
		h.summarizeOldest(ctx)
	}
	if llm.EstimateMessageTokens(h.msgs) > budget {
		h.msgs = removeRedundant(h.msgs)
	}
	if llm.EstimateMessageTokens(h.msgs) > budget {
		h.msgs = compressEntities(h.msgs)
	}
	for llm.EstimateMessageTokens(h.msgs) > budget && len(h.msgs) > 2 {
		h.msgs = h.msgs[2:]
	}

	out := make([]types.Message, 0, len(h.msgs)+1)
	out = append(out, h.msgs...)
	out = append(out, user)
	return out
}

// summarizeOldest folds the oldest half of the history into the rolling
// summary. Called with h.mu held.
func (h *History) summarizeOldest(ctx context.Context) {
	if h.summarize == nil || len(h.msgs) < 4 {
		return
	}
	half := len(h.msgs) / 2
	half -= half % 2 // keep user/assistant pairs intact
	summary, err := h.summarize(ctx, h.msgs[:half])
	if err != nil || summary == "" {
		return
	}
	if h.summary != "" {
		summary = h.summary + " " + summary
	}
	h.summary = summary
	h.msgs = append([]types.Message(nil), h.msgs[half:]...)
}

// removeRedundant drops user/assistant pairs whose user text reappears later
// in the history; the most recent occurrence wins.
func removeRedundant(msgs []types.Message) []types.Message {
	lastSeen := map[string]int{}
	for i, m := range msgs {
		if m.Role == "user" {
			lastSeen[normalize(m.Content)] = i
		}
	}
	out := msgs[:0:0]
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == "user" && lastSeen[normalize(m.Content)] != i {
			// Skip the superseded exchange, reply included.
			if i+1 < len(msgs) && msgs[i+1].Role == "assistant" {
				i++
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// compressEntities shortens repeated multi-word capitalized mentions to their
// first word after the first occurrence ("Acme Premium Support Plan" becomes
// "Acme" on later mentions).
func compressEntities(msgs []types.Message) []types.Message {
	seen := map[string]bool{}
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		words := strings.Fields(m.Content)
		var entity []string
		var rebuilt []string
		flush := func() {
			if len(entity) >= 2 {
				key := strings.Join(entity, " ")
				if seen[key] {
					rebuilt = append(rebuilt, entity[0])
					entity = nil
					return
				}
				seen[key] = true
			}
			rebuilt = append(rebuilt, entity...)
			entity = nil
		}
		for _, w := range words {
			if isCapitalized(w) {
				entity = append(entity, w)
				continue
			}
			flush()
			rebuilt = append(rebuilt, w)
		}
		flush()
		out[i].Content = strings.Join(rebuilt, " ")
	}
	return out
}

func isCapitalized(w string) bool {
	return w != "" && w[0] >= 'A' && w[0] <= 'Z'
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
