// Package dispatch turns a finalized caller utterance into a streamed agent
// reply: it scores the utterance, selects a model tier, assembles a bounded
// prompt from the conversation history, issues the streaming LLM request, and
// segments the token stream into sentences for synthesis.
//
// The dispatcher enforces the first-token latency policy: a soft budget that
// only emits a warning event, and a hard budget that aborts the turn.
// Transient failures retry once; a turn that has already spoken audio is never
// retried, because the caller would hear the reply restart.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// First-token budgets: past the soft budget an LLMSlowWarn event is
	// emitted; past the hard budget the turn aborts.
	firstTokenSoft = 1500 * time.Millisecond
	firstTokenHard = 8 * time.Second

	// maxToolRounds bounds tool-call round trips within one turn.
	maxToolRounds = 4

	// thinkingBudgetTokens is the reasoning budget on heavy-tier turns that
	// asked for thinking.
	thinkingBudgetTokens = 1024
)

// ErrLLMTimeout is returned when no first token arrives within the hard
// budget.
var ErrLLMTimeout = errors.New("dispatch: first token exceeded hard budget")

// TurnFailedError wraps an unrecoverable per-turn failure. The turn controller
// speaks the fallback utterance and the call continues.
type TurnFailedError struct {
	Kind string // "llm"
	Err  error
}

func (e *TurnFailedError) Error() string {
	return fmt.Sprintf("dispatch: turn failed (%s): %v", e.Kind, e.Err)
}

func (e *TurnFailedError) Unwrap() error { return e.Err }

// SentenceSink receives completed sentences as they stream out of the model.
// Implemented by the TTS pipeline.
type SentenceSink interface {
	Speak(ctx context.Context, sentence string) error
}

// ToolHost exposes the tools offered to the model and executes its calls.
// Implemented by the MCP host.
type ToolHost interface {
	Definitions() []types.ToolDefinition
	Call(ctx context.Context, call types.ToolCall) (string, error)
}

// Config wires a Dispatcher.
type Config struct {
	// Tiers maps the three selection tiers to model identifiers.
	Tiers config.ModelTiers

	// SystemPrompt is the agent profile preamble.
	SystemPrompt string

	// Tools is optional; nil disables tool calling.
	Tools ToolHost

	// SoftBudget and HardBudget override the first-token budgets. Zero
	// selects the 1.5 s / 8 s defaults.
	SoftBudget time.Duration
	HardBudget time.Duration
}

// Prepared is an assembled request awaiting dispatch. Built by Prepare on
// high-confidence interims so the final transcript only pays for the network
// round trip.
type Prepared struct {
	Text     string
	Tier     types.ModelTier
	Score    float64
	Thinking bool
	Model    config.TierEntry
	System   string
	Messages []types.Message
}

// Result reports one completed (or interrupted) turn.
type Result struct {
	// Text is the reply text emitted to synthesis, sentence-joined.
	Text string

	// Model and Tier identify what served the turn.
	Model string
	Tier  types.ModelTier

	// FirstToken is dispatch → first streamed token.
	FirstToken time.Duration

	// Sentences is the number of sentences forwarded to synthesis.
	Sentences int

	TokensIn  int
	TokensOut int
}

// Dispatcher issues streaming LLM requests for one call. Safe for concurrent
// Cancel against a running Dispatch; Dispatch itself is called serially by the
// turn controller.
type Dispatcher struct {
	provider llm.Provider
	history  *History
	cfg      Config
	bus      *events.Bus
	logger   *slog.Logger
	callID   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates the dispatcher for one call.
func New(callID string, provider llm.Provider, history *History, bus *events.Bus, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SoftBudget == 0 {
		cfg.SoftBudget = firstTokenSoft
	}
	if cfg.HardBudget == 0 {
		cfg.HardBudget = firstTokenHard
	}
	return &Dispatcher{
		provider: provider,
		history:  history,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		callID:   callID,
	}
}

// Prepare scores the utterance, selects the tier, and assembles the pruned
// prompt. No model request is made: speculative warm-up stops at preparation
// so a final that differs from the interim never produces a duplicate call.
func (d *Dispatcher) Prepare(ctx context.Context, userText string) *Prepared {
	score := Complexity(userText, d.history.Len())
	thinking := WantsThinking(userText)
	needsTools := d.cfg.Tools != nil && len(d.cfg.Tools.Definitions()) > 0
	tier := SelectTier(score, thinking, needsTools)

	system := d.cfg.SystemPrompt
	if summary := d.history.Summary(); summary != "" {
		system += "\n\nEarlier in this call: " + summary
	}

	return &Prepared{
		Text:     userText,
		Tier:     tier,
		Score:    score,
		Thinking: thinking,
		Model:    d.tierEntry(tier),
		System:   system,
		Messages: d.history.Assemble(ctx, system, userText),
	}
}

// Dispatch streams the prepared request, forwarding each completed sentence to
// sink. Cancellation (barge-in) surfaces as context.Canceled with the partial
// Result; unrecoverable failures surface as *TurnFailedError.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Prepared, sink SentenceSink) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
			d.cancel = nil
		}
		d.mu.Unlock()
	}()

	d.bus.Publish(events.New(events.KindModelSelected, d.callID, events.F(
		"tier", p.Tier.String(), "model", p.Model.ID, "score", p.Score, "thinking", p.Thinking)))

	res := &Result{Model: p.Model.ID, Tier: p.Tier}
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		err = d.stream(ctx, p, sink, res)
		if err == nil {
			d.bus.Publish(events.New(events.KindLLMCompleted, d.callID, events.F(
				"model", res.Model, "sentences", res.Sentences,
				"tokens_in", res.TokensIn, "tokens_out", res.TokensOut)))
			return res, nil
		}
		if ctx.Err() != nil {
			// Barge-in or caller teardown, not a failure.
			return res, context.Canceled
		}
		if attempt == 1 && retriable(err) && res.Sentences == 0 {
			d.logger.Warn("llm stream failed, retrying", "call_id", d.callID, "err", err)
			continue
		}
		break
	}

	if errors.Is(err, ErrLLMTimeout) {
		d.bus.Publish(events.New(events.KindLLMTimeout, d.callID, events.F("model", p.Model.ID)))
	}
	d.bus.Publish(events.New(events.KindTurnFailed, d.callID, events.F("kind", "llm", "err", err.Error())))
	observe.DefaultMetrics().RecordTurnFailed(ctx, "llm")
	return res, &TurnFailedError{Kind: "llm", Err: err}
}

// Cancel aborts the in-flight dispatch. Idempotent; returns immediately. The
// provider closes its stream on context cancellation, so no buffered sentence
// survives.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()
}

// stream runs the request including tool rounds, accumulating into res.
func (d *Dispatcher) stream(ctx context.Context, p *Prepared, sink SentenceSink, res *Result) error {
	msgs := p.Messages
	var tools []types.ToolDefinition
	if d.cfg.Tools != nil {
		tools = d.cfg.Tools.Definitions()
	}

	var spoken []string
	started := time.Now()

	for round := 0; ; round++ {
		req := llm.CompletionRequest{
			Model:     p.Model.ID,
			System:    p.System,
			Messages:  msgs,
			Tools:     tools,
			Inference: llm.InferenceConfig{MaxTokens: p.Model.MaxTokens},
		}
		if p.Thinking {
			req.Thinking = &llm.ThinkingConfig{Enabled: true, BudgetTokens: thinkingBudgetTokens}
		}

		end, text, toolCalls, err := d.consume(ctx, req, started, round == 0, sink, res, &spoken)
		if err != nil {
			return err
		}

		res.TokensIn += end.TokensIn
		res.TokensOut += end.TokensOut

		if end.StopReason != "tool_use" {
			res.Text = strings.Join(spoken, " ")
			return nil
		}
		if round+1 >= maxToolRounds {
			return fmt.Errorf("dispatch: tool rounds exceeded %d", maxToolRounds)
		}
		msgs = append(msgs, types.Message{Role: "assistant", Content: text, ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			content, callErr := d.cfg.Tools.Call(ctx, tc)
			if callErr != nil {
				content = "tool error: " + callErr.Error()
			}
			msgs = append(msgs, types.Message{Role: "tool", ToolCallID: tc.ID, Content: content})
		}
	}
}

// consume reads one stream to its end chunk, emitting sentences as they
// complete. firstRound gates the first-token budget; tool rounds reuse the
// already-open turn.
func (d *Dispatcher) consume(ctx context.Context, req llm.CompletionRequest, started time.Time, firstRound bool, sink SentenceSink, res *Result, spoken *[]string) (llm.Chunk, string, []types.ToolCall, error) {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	ch, err := d.provider.StreamCompletion(streamCtx, req)
	if err != nil {
		return llm.Chunk{}, "", nil, err
	}

	var timedOut atomic.Bool
	var softTimer, hardTimer *time.Timer
	if firstRound {
		softTimer = time.AfterFunc(d.cfg.SoftBudget, func() {
			d.bus.Publish(events.New(events.KindLLMSlowWarn, d.callID, events.F(
				"model", req.Model, "budget_ms", d.cfg.SoftBudget.Milliseconds())))
		})
		hardTimer = time.AfterFunc(d.cfg.HardBudget, func() {
			timedOut.Store(true)
			cancelStream()
		})
		defer softTimer.Stop()
		defer hardTimer.Stop()
	}

	seg := &Segmenter{}
	var text strings.Builder
	var toolCalls []types.ToolCall
	sawToken := false

	for chunk := range ch {
		if !sawToken {
			sawToken = true
			if firstRound {
				softTimer.Stop()
				hardTimer.Stop()
				res.FirstToken = time.Since(started)
				observe.DefaultMetrics().LLMFirstToken.Record(ctx, res.FirstToken.Seconds())
				d.bus.Publish(events.New(events.KindLLMFirstToken, d.callID, events.F(
					"model", req.Model, "latency_ms", res.FirstToken.Milliseconds())))
			}
		}

		switch chunk.Kind {
		case llm.ChunkText:
			text.WriteString(chunk.Text)
			for _, sentence := range seg.Feed(chunk.Text) {
				if err := d.speak(ctx, sink, sentence, res, spoken); err != nil {
					return llm.Chunk{}, "", nil, err
				}
			}

		case llm.ChunkThinking:
			// Reasoning text is never spoken.

		case llm.ChunkToolUse:
			toolCalls = append(toolCalls, chunk.ToolCall)

		case llm.ChunkEnd:
			if chunk.Err != nil {
				return llm.Chunk{}, "", nil, chunk.Err
			}
			if chunk.StopReason != "tool_use" {
				if tail := seg.Flush(); tail != "" {
					if err := d.speak(ctx, sink, tail, res, spoken); err != nil {
						return llm.Chunk{}, "", nil, err
					}
				}
			}
			return chunk, text.String(), toolCalls, nil
		}
	}

	// The channel closed without an end chunk: cancellation or a dropped
	// stream.
	if timedOut.Load() {
		return llm.Chunk{}, "", nil, ErrLLMTimeout
	}
	if ctx.Err() != nil {
		return llm.Chunk{}, "", nil, ctx.Err()
	}
	return llm.Chunk{}, "", nil, &llm.NetworkError{Provider: "stream", Err: errors.New("stream closed without end chunk")}
}

func (d *Dispatcher) speak(ctx context.Context, sink SentenceSink, sentence string, res *Result, spoken *[]string) error {
	if err := sink.Speak(ctx, sentence); err != nil {
		return fmt.Errorf("dispatch: synthesis sink: %w", err)
	}
	res.Sentences++
	*spoken = append(*spoken, sentence)
	res.Text = strings.Join(*spoken, " ")
	return nil
}

func (d *Dispatcher) tierEntry(tier types.ModelTier) config.TierEntry {
	switch tier {
	case types.TierHeavy:
		return d.cfg.Tiers.Heavy
	case types.TierMid:
		return d.cfg.Tiers.Mid
	default:
		return d.cfg.Tiers.Fast
	}
}

// retriable reports transient failures worth one immediate retry.
func retriable(err error) bool {
	var netErr *llm.NetworkError
	return errors.As(err, &netErr)
}
