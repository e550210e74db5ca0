// Package turn implements the conversation-turn state machine for one call:
// it mediates between recognition updates, LLM dispatch, and synthesis, and
// owns barge-in.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telvana/voicecore/internal/dispatch"
	"github.com/telvana/voicecore/internal/egress"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/ingress"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/internal/sttclient"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// defaultSilenceTimeout returns the controller to Listening when the
	// caller goes quiet mid-utterance without a final ever arriving.
	defaultSilenceTimeout = 8 * time.Second

	// bargeInVoiced is the voiced-audio qualification for an interruption.
	// Spillover from the agent's own audio routinely trips the VAD for a few
	// frames; a real interruption sustains.
	bargeInVoiced = 100 * time.Millisecond

	// activityVoiced is how much confirmed voice an activity-started event
	// already represents (the VAD start hysteresis). The controller waits out
	// the remainder of the qualification window.
	activityVoiced = 40 * time.Millisecond
)

// State is the controller's conversation state.
type State int

const (
	StateGreeting State = iota
	StateListening
	StateUserSpeaking
	StateThinking
	StateAgentSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "user_speaking"
	case StateThinking:
		return "thinking"
	case StateAgentSpeaking:
		return "agent_speaking"
	default:
		return "ended"
	}
}

// Config tunes the controller.
type Config struct {
	// SilenceTimeout is the UserSpeaking inactivity bound. Zero selects 8 s.
	SilenceTimeout time.Duration

	// Greeting is spoken when the call goes active. Empty skips straight to
	// Listening.
	Greeting string

	// FallbackUtterance is spoken when a turn fails downstream.
	FallbackUtterance string
}

// Deps wires the controller to the rest of the pipeline.
type Deps struct {
	Activity   <-chan ingress.Activity
	Updates    <-chan sttclient.Update
	DTMF       <-chan types.DTMF
	Dispatcher *dispatch.Dispatcher
	Speaker    *Speaker
	Egress     *egress.Egress
	History    *dispatch.History
	Bus        *events.Bus
	Logger     *slog.Logger
}

type resultKind int

const (
	resultTurn resultKind = iota
	resultGreeting
	resultFallback
)

type turnResult struct {
	kind         resultKind
	res          *dispatch.Result
	err          error
	dispatchedAt time.Time
}

// Controller runs the turn state machine for one call. Create with New, call
// Run once; Turns is safe to call from other goroutines after Run returns.
type Controller struct {
	callID string
	deps   Deps
	cfg    Config
	logger *slog.Logger

	state   State
	started time.Time

	// Open user turn, nil outside UserSpeaking/Thinking.
	userTurn *types.Turn
	finalAt  time.Time

	// Agent-turn bookkeeping.
	agentTurn    *types.Turn
	userText     string
	bargedAt     time.Time
	cannedCancel context.CancelFunc

	prepared      *dispatch.Prepared
	preparedCh    chan *dispatch.Prepared
	pendingResult *turnResult

	turnDone     chan turnResult
	agentStarted chan struct{}
	drainDone    chan struct{}

	silence    *time.Timer
	bargeTimer *time.Timer

	turns []types.Turn
}

// New creates the controller for one call.
func New(callID string, deps Deps, cfg Config) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	return &Controller{
		callID:       callID,
		deps:         deps,
		cfg:          cfg,
		logger:       deps.Logger,
		preparedCh:   make(chan *dispatch.Prepared, 1),
		turnDone:     make(chan turnResult, 1),
		agentStarted: make(chan struct{}, 1),
		drainDone:    make(chan struct{}, 1),
	}
}

// Turns returns the closed turns in order.
func (c *Controller) Turns() []types.Turn {
	out := make([]types.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// TurnCount returns how many turns closed.
func (c *Controller) TurnCount() int { return len(c.turns) }

// Run drives the state machine until ctx ends. Always returns nil; failures
// inside a turn degrade to the fallback utterance rather than ending the
// call.
func (c *Controller) Run(ctx context.Context) error {
	c.started = time.Now()

	c.silence = time.NewTimer(time.Hour)
	c.silence.Stop()
	defer c.silence.Stop()
	c.bargeTimer = time.NewTimer(time.Hour)
	c.bargeTimer.Stop()
	defer c.bargeTimer.Stop()

	if c.cfg.Greeting != "" {
		c.state = StateGreeting
		c.startCanned(ctx, c.cfg.Greeting, resultGreeting)
	} else {
		c.state = StateListening
	}

	for {
		select {
		case <-ctx.Done():
			c.endTurnsOnTeardown()
			c.state = StateEnded
			return nil

		case act, ok := <-c.deps.Activity:
			if !ok {
				c.deps.Activity = nil
				continue
			}
			c.onActivity(act)

		case <-c.bargeTimer.C:
			c.onBargeQualified(ctx)

		case u, ok := <-c.deps.Updates:
			if !ok {
				c.deps.Updates = nil
				continue
			}
			c.onUpdate(ctx, u)

		case p := <-c.preparedCh:
			c.prepared = p

		case <-c.agentStarted:
			if c.state == StateThinking {
				c.toAgentSpeaking()
			}

		case r := <-c.turnDone:
			c.onTurnDone(ctx, r)

		case <-c.drainDone:
			c.onPlaybackComplete()

		case <-c.silence.C:
			c.onSilenceTimeout()

		case d, ok := <-c.deps.DTMF:
			if !ok {
				c.deps.DTMF = nil
				continue
			}
			c.logger.Info("dtmf received", "call_id", c.callID, "digit", d.Digit)
		}
	}
}

// ─── activity and barge-in ───

func (c *Controller) onActivity(act ingress.Activity) {
	switch act.Kind {
	case ingress.ActivityStarted:
		switch c.state {
		case StateListening:
			c.openUserTurn()
		case StateUserSpeaking:
			c.silence.Reset(c.cfg.SilenceTimeout)
		case StateAgentSpeaking, StateGreeting:
			// Qualification: the event proves activityVoiced of speech; wait
			// out the rest of the barge-in window.
			c.bargeTimer.Reset(bargeInVoiced - activityVoiced)
		}

	case ingress.ActivityEnded:
		c.bargeTimer.Stop()
	}
}

func (c *Controller) onBargeQualified(ctx context.Context) {
	if c.state != StateAgentSpeaking && c.state != StateGreeting {
		return
	}
	c.bargedAt = time.Now()
	observe.DefaultMetrics().BargeIns.Add(ctx, 1)
	c.deps.Bus.Publish(events.New(events.KindTurnInterrupted, c.callID, events.F(
		"state", c.state.String())))

	c.deps.Dispatcher.Cancel()
	if c.cannedCancel != nil {
		c.cannedCancel()
		c.cannedCancel = nil
	}
	if err := c.deps.Egress.Flush(ctx); err != nil {
		c.logger.Warn("barge-in flush failed", "call_id", c.callID, "err", err)
	}
	c.deps.Egress.Done()

	// A turn whose synthesis already finished is still playing out; close it
	// here as interrupted. An in-flight turn reports through turnDone instead.
	if c.pendingResult != nil {
		r := *c.pendingResult
		c.pendingResult = nil
		c.closeAgentTurn(r, true)
	}
	c.openUserTurn()
}

// ─── recognition updates ───

func (c *Controller) onUpdate(ctx context.Context, u sttclient.Update) {
	switch u.Kind {
	case sttclient.UpdateInterim:
		if c.state == StateUserSpeaking {
			c.silence.Reset(c.cfg.SilenceTimeout)
		}

	case sttclient.UpdateWarmup:
		// Pre-allocate only: assemble the request so the final pays nothing
		// but the network round trip. Prepare may consult the summarizer, so
		// it runs off the control loop.
		go func(text string) {
			p := c.deps.Dispatcher.Prepare(ctx, text)
			select {
			case c.preparedCh <- p:
			default:
			}
		}(u.Transcript.Text)

	case sttclient.UpdateFinal:
		c.onFinal(ctx, u)

	case sttclient.UpdateSpeechStarted:
		if c.state == StateListening {
			c.openUserTurn()
		}
	}
}

func (c *Controller) onFinal(ctx context.Context, u sttclient.Update) {
	if c.state != StateUserSpeaking && c.state != StateListening {
		c.logger.Debug("final transcript ignored", "call_id", c.callID, "state", c.state.String())
		return
	}
	c.silence.Stop()

	if u.Transcript.Text == "" {
		// Recognition produced nothing usable; discard without a turn.
		if c.userTurn != nil {
			c.deps.Bus.Publish(events.New(events.KindTurnClosed, c.callID, events.F(
				"turn_id", c.userTurn.ID, "role", "user", "discarded", true)))
			c.userTurn = nil
		}
		c.state = StateListening
		return
	}

	if c.userTurn == nil {
		c.openUserTurn()
	}
	c.userTurn.Text = u.Transcript.Text
	c.userTurn.UserEnd = c.since(time.Now())
	c.finalAt = time.Now()
	c.closeTurn(*c.userTurn, "user", false)
	c.userText = u.Transcript.Text
	c.userTurn = nil

	c.state = StateThinking
	c.startDispatch(ctx, u.Transcript.Text)
}

// ─── dispatch and synthesis ───

func (c *Controller) startDispatch(ctx context.Context, text string) {
	prepared := c.prepared
	c.prepared = nil

	c.deps.Speaker.BeginTurn(c.agentStarted)
	dispatchedAt := time.Now()
	go func() {
		p := prepared
		if p == nil || p.Text != text {
			p = c.deps.Dispatcher.Prepare(ctx, text)
		}
		res, err := c.deps.Dispatcher.Dispatch(ctx, p, c.deps.Speaker)
		select {
		case c.turnDone <- turnResult{kind: resultTurn, res: res, err: err, dispatchedAt: dispatchedAt}:
		case <-ctx.Done():
		}
	}()
}

// startCanned speaks fixed text (greeting, fallback) through the normal
// synthesis path.
func (c *Controller) startCanned(parent context.Context, text string, kind resultKind) {
	ctx, cancel := context.WithCancel(parent)
	c.cannedCancel = cancel
	c.deps.Speaker.BeginTurn(c.agentStarted)
	dispatchedAt := time.Now()
	go func() {
		defer cancel()
		seg := &dispatch.Segmenter{}
		var err error
		sentences := append(seg.Feed(text), seg.Flush())
		for _, s := range sentences {
			if s == "" {
				continue
			}
			if err = c.deps.Speaker.Speak(ctx, s); err != nil {
				break
			}
		}
		select {
		case c.turnDone <- turnResult{kind: kind, res: &dispatch.Result{Text: text}, err: err, dispatchedAt: dispatchedAt}:
		case <-parent.Done():
		}
	}()
}

func (c *Controller) toAgentSpeaking() {
	c.state = StateAgentSpeaking
	t := types.Turn{
		ID:   uuid.NewString(),
		Role: types.RoleAgent,
	}
	c.agentTurn = &t
	c.deps.Bus.Publish(events.New(events.KindTurnOpened, c.callID, events.F(
		"turn_id", t.ID, "role", "agent")))

	if first, _ := c.deps.Speaker.AudioSpan(); !first.IsZero() && !c.finalAt.IsZero() {
		observe.DefaultMetrics().FirstAudioEndToEnd.Record(context.Background(), first.Sub(c.finalAt).Seconds())
	}
}

func (c *Controller) onTurnDone(ctx context.Context, r turnResult) {
	c.cannedCancel = nil
	c.absorbAgentStarted()

	switch {
	case r.err == nil:
		c.fillAgentTiming(r)
		c.deps.Egress.Done()
		c.pendingResult = &r
		go func() {
			drainCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			_ = c.deps.Egress.Drain(drainCtx)
			select {
			case c.drainDone <- struct{}{}:
			default:
			}
		}()

	case errors.Is(r.err, context.Canceled):
		// Barge-in: the floor already moved to the caller.
		c.closeAgentTurn(r, true)

	default:
		c.logger.Warn("turn failed", "call_id", c.callID, "err", r.err)
		if r.kind == resultTurn && c.cfg.FallbackUtterance != "" {
			c.startCanned(ctx, c.cfg.FallbackUtterance, resultFallback)
			return
		}
		// Fallback (or greeting) itself failed; give the floor back.
		c.closeAgentTurn(r, false)
		c.state = StateListening
	}
}

// absorbAgentStarted applies a pending first-audio notification so that turn
// completion never races the Thinking → AgentSpeaking transition.
func (c *Controller) absorbAgentStarted() {
	select {
	case <-c.agentStarted:
		if c.state == StateThinking {
			c.toAgentSpeaking()
		}
	default:
	}
}

// onPlaybackComplete fires when the egress queue has played out after a
// completed turn.
func (c *Controller) onPlaybackComplete() {
	if c.pendingResult == nil {
		return
	}
	r := *c.pendingResult
	c.pendingResult = nil

	c.deps.Bus.Publish(events.New(events.KindTTSCompleted, c.callID, events.F(
		"sentences", sentenceCount(r))))
	c.closeAgentTurn(r, false)
	if r.kind == resultTurn && r.res != nil {
		c.deps.History.AddExchange(c.userText, r.res.Text)
	}
	if c.state == StateAgentSpeaking || c.state == StateGreeting || c.state == StateThinking {
		c.state = StateListening
	}
}

func sentenceCount(r turnResult) int {
	if r.res == nil {
		return 0
	}
	return r.res.Sentences
}

func (c *Controller) fillAgentTiming(r turnResult) {
	if c.agentTurn == nil || r.res == nil {
		return
	}
	if r.res.FirstToken > 0 {
		c.agentTurn.LLMFirstToken = c.since(r.dispatchedAt.Add(r.res.FirstToken))
	}
	c.agentTurn.LLMLastToken = c.since(time.Now())
	c.agentTurn.Model = r.res.Model
	c.agentTurn.TokensIn = r.res.TokensIn
	c.agentTurn.TokensOut = r.res.TokensOut
}

func (c *Controller) closeAgentTurn(r turnResult, interrupted bool) {
	if c.agentTurn == nil {
		return
	}
	t := *c.agentTurn
	c.agentTurn = nil

	if r.res != nil {
		t.Text = r.res.Text
		t.Model = r.res.Model
		t.TokensIn = r.res.TokensIn
		t.TokensOut = r.res.TokensOut
	}
	first, last := c.deps.Speaker.AudioSpan()
	if !first.IsZero() {
		t.TTSFirstByte = c.since(first)
		t.TTSLastByte = c.since(last)
	}
	if interrupted {
		t.Interrupted = true
		t.InterruptedAt = c.since(c.bargedAt)
		if r.res != nil && r.kind == resultTurn {
			c.deps.History.AddExchange(c.userText, r.res.Text)
		}
	}
	c.closeTurn(t, "agent", interrupted)
}

// ─── turn bookkeeping ───

func (c *Controller) openUserTurn() {
	c.state = StateUserSpeaking
	c.silence.Reset(c.cfg.SilenceTimeout)
	if c.userTurn != nil {
		return
	}
	t := types.Turn{ID: uuid.NewString(), Role: types.RoleUser}
	c.userTurn = &t
	c.deps.Bus.Publish(events.New(events.KindTurnOpened, c.callID, events.F(
		"turn_id", t.ID, "role", "user")))
}

func (c *Controller) closeTurn(t types.Turn, role string, interrupted bool) {
	c.turns = append(c.turns, t)
	c.deps.Bus.Publish(events.New(events.KindTurnClosed, c.callID, events.F(
		"turn_id", t.ID, "role", role, "interrupted", interrupted, "chars", len(t.Text))))
}

func (c *Controller) onSilenceTimeout() {
	if c.state != StateUserSpeaking {
		return
	}
	c.deps.Bus.Publish(events.New(events.KindUserSilent, c.callID, events.F(
		"timeout_ms", c.cfg.SilenceTimeout.Milliseconds())))
	c.userTurn = nil
	c.state = StateListening
}

// endTurnsOnTeardown closes whatever is open when the call ends.
func (c *Controller) endTurnsOnTeardown() {
	c.deps.Dispatcher.Cancel()
	if c.cannedCancel != nil {
		c.cannedCancel()
		c.cannedCancel = nil
	}
	if c.userTurn != nil {
		c.closeTurn(*c.userTurn, "user", false)
		c.userTurn = nil
	}
	if c.agentTurn != nil {
		c.closeTurn(*c.agentTurn, "agent", false)
		c.agentTurn = nil
	}
}

func (c *Controller) since(t time.Time) time.Duration {
	return t.Sub(c.started)
}
