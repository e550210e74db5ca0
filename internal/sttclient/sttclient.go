// Package sttclient manages the streaming recognition session for one call.
//
// The wire protocol lives in the provider implementation (pkg/provider/stt);
// this stage owns session policy: connection health, bounded reconnect with
// utterance-state carry-over, utterance identity, interim supersession, the
// speculative LLM warm-up hint, and the utterance-lost rule: every open
// utterance yields exactly one final transcript or the session fails.
package sttclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/pkg/provider/stt"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	// Health thresholds on time since the last inbound provider message.
	degradedAfter  = 15 * time.Second
	unhealthyAfter = 30 * time.Second

	// Reconnect backoff: 100 ms doubling to a 2 s cap, at most 5 attempts
	// per disconnect.
	backoffInitial = 100 * time.Millisecond
	backoffCap     = 2 * time.Second
	maxAttempts    = 5

	// finalGrace is how long after the utterance closes (ingress gate close
	// or the provider's utterance-end signal, whichever comes first) the
	// final transcript may still arrive before the utterance counts as lost.
	finalGrace = 5 * time.Second

	// watchdogInterval is the cadence of the health and utterance checks.
	watchdogInterval = 250 * time.Millisecond

	// Warm-up hint thresholds on interim transcripts.
	warmupConfidence = 0.85
	warmupMinChars   = 10
)

// ErrUtteranceLost is returned when an utterance ended but its final
// transcript never arrived. The session must fail: the conversation state is
// no longer trustworthy.
var ErrUtteranceLost = errors.New("sttclient: utterance lost")

// errUnhealthy triggers an internal reconnect.
var errUnhealthy = errors.New("sttclient: connection unhealthy")

// Health is the connection health state derived from inbound activity.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// UpdateKind discriminates updates sent to the turn controller.
type UpdateKind int

const (
	// UpdateInterim carries a superseding partial transcript.
	UpdateInterim UpdateKind = iota

	// UpdateFinal carries the authoritative transcript that closes an
	// utterance.
	UpdateFinal

	// UpdateSpeechStarted forwards provider-side speech detection.
	UpdateSpeechStarted

	// UpdateUtteranceEnd forwards the provider's utterance-end signal.
	UpdateUtteranceEnd

	// UpdateWarmup hints that a final transcript is imminent; the dispatcher
	// may prepare (not send) the LLM request.
	UpdateWarmup
)

// Update is one recognition event for the turn controller.
type Update struct {
	Kind       UpdateKind
	Transcript types.Transcript

	// Latency is set on UpdateFinal: receipt minus utterance start.
	Latency time.Duration
}

// Corrector post-processes final transcript text (vocabulary correction).
type Corrector interface {
	Correct(text string) string
}

// Config tunes the client.
type Config struct {
	// Stream is the recognition handshake configuration.
	Stream stt.StreamConfig

	// Corrector optionally rewrites final text before it is forwarded.
	Corrector Corrector

	// FinalGrace overrides how long a final may trail the utterance-end
	// signal. Zero selects the 5 s default.
	FinalGrace time.Duration
}

// Client is the STT stage for one call. Create with New, call Run once.
type Client struct {
	provider stt.Provider
	cfg      Config
	bus      *events.Bus
	logger   *slog.Logger
	callID   string

	audio   <-chan []byte
	updates chan Update

	// Utterance state survives reconnects.
	utteranceID    string
	utteranceStart time.Time
	finalParts     []string
	lastFinal      types.Transcript
	awaitFinalBy   time.Time
	warmupSent     bool

	lastInbound time.Time
}

// New creates the STT stage. audio is the gated stream from ingress:
// zero-length chunks mark a voiced-span close and are not sent to the
// provider, and the channel closing ends the stage gracefully.
func New(callID string, provider stt.Provider, audio <-chan []byte, bus *events.Bus, logger *slog.Logger, cfg Config) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Stream.Encoding == "" {
		cfg.Stream = stt.DefaultStreamConfig()
	}
	if cfg.FinalGrace == 0 {
		cfg.FinalGrace = finalGrace
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		callID:   callID,
		audio:    audio,
		updates:  make(chan Update, 32),
	}
}

// Updates returns the recognition stream for the turn controller. Closed when
// Run returns.
func (c *Client) Updates() <-chan Update { return c.updates }

// Health reports the current connection health.
func (c *Client) Health() Health {
	if c.lastInbound.IsZero() {
		return Healthy
	}
	since := time.Since(c.lastInbound)
	switch {
	case since > unhealthyAfter:
		return Unhealthy
	case since > degradedAfter:
		return Degraded
	default:
		return Healthy
	}
}

// Run dials the provider and pumps audio and messages until the audio source
// closes, the context ends, or an unrecoverable error occurs. Transient
// disconnects reconnect with bounded exponential backoff, carrying the
// current utterance state over.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.updates)

	connects := 0
	for {
		sess, err := c.dial(ctx)
		if err != nil {
			return err
		}
		connects++
		if connects > 1 {
			c.bus.Publish(events.New(events.KindSTTReconnected, c.callID, events.F("connects", connects)))
		}

		err = c.pump(ctx, sess)
		sess.Close()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, ErrUtteranceLost):
			return err
		case isFatal(err):
			return err
		}
		c.logger.Warn("stt session dropped, reconnecting", "call_id", c.callID, "err", err)
	}
}

// dial connects with exponential backoff. Auth errors and exhausted attempts
// are fatal.
func (c *Client) dial(ctx context.Context) (stt.SessionHandle, error) {
	backoff := backoffInitial
	for attempt := 1; ; attempt++ {
		sess, err := c.provider.StartStream(ctx, c.cfg.Stream)
		if err == nil {
			c.lastInbound = time.Now()
			return sess, nil
		}
		if isFatal(err) {
			return nil, err
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("sttclient: reconnect attempts exhausted: %w", err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// isFatal reports errors that must terminate the session rather than
// reconnect.
func isFatal(err error) bool {
	var auth *stt.AuthError
	return errors.As(err, &auth)
}

// pump runs one connected session: audio out, messages in, health and
// utterance watchdogs. Returns nil on graceful end (audio source closed),
// a retriable error to trigger reconnect, or a fatal error.
func (c *Client) pump(ctx context.Context, sess stt.SessionHandle) error {
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	audio := c.audio
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-audio:
			if !ok {
				// Ingress is done. Keep reading until pending finals land or
				// the watchdog decides.
				audio = nil
				if c.utteranceID == "" {
					return nil
				}
				continue
			}
			if len(chunk) == 0 {
				// Gate-close marker: the caller stopped speaking, so the
				// provider owes a final within the grace window even if it
				// never signals its own utterance end.
				c.armFinalDeadline()
				continue
			}
			if err := sess.SendAudio(chunk); err != nil {
				return fmt.Errorf("sttclient: send audio: %w", err)
			}

		case msg, ok := <-sess.Messages():
			if !ok {
				return errors.New("sttclient: session message stream closed")
			}
			c.lastInbound = time.Now()
			if err := c.handle(ctx, msg); err != nil {
				return err
			}
			if audio == nil && c.utteranceID == "" {
				return nil
			}

		case now := <-watchdog.C:
			if !c.awaitFinalBy.IsZero() && now.After(c.awaitFinalBy) {
				if len(c.finalParts) > 0 {
					// Finals arrived but the closing signal never did; emit
					// what accumulated rather than losing the utterance.
					c.emitFinal(ctx, c.lastFinal)
				} else {
					c.bus.Publish(events.New(events.KindUtteranceLost, c.callID, events.F("utterance_id", c.utteranceID)))
					return ErrUtteranceLost
				}
			}
			if c.Health() == Unhealthy {
				return errUnhealthy
			}
			if audio == nil && c.utteranceID == "" {
				return nil
			}
		}
	}
}

// handle processes one provider message.
func (c *Client) handle(ctx context.Context, msg stt.Message) error {
	switch msg.Kind {
	case stt.MessageTranscript:
		return c.handleTranscript(ctx, msg.Transcript)

	case stt.MessageSpeechStarted:
		c.openUtterance()
		c.send(ctx, Update{Kind: UpdateSpeechStarted})

	case stt.MessageUtteranceEnd:
		if c.utteranceID == "" {
			return nil
		}
		if len(c.finalParts) > 0 {
			c.emitFinal(ctx, c.lastFinal)
			return nil
		}
		// The utterance ended with no final yet; start the lost watchdog.
		c.armFinalDeadline()
		c.send(ctx, Update{Kind: UpdateUtteranceEnd})

	case stt.MessageMetadata:
		c.logger.Debug("stt metadata", "call_id", c.callID, "language", msg.Language, "model", msg.ModelInfo)

	case stt.MessageError:
		if !msg.Retriable {
			return fmt.Errorf("sttclient: provider error: %w", msg.Err)
		}
		return fmt.Errorf("sttclient: retriable provider error: %w", msg.Err)
	}
	return nil
}

func (c *Client) handleTranscript(ctx context.Context, tr types.Transcript) error {
	c.openUtterance()
	tr.UtteranceID = c.utteranceID
	tr.FragmentID = uuid.NewString()

	if !tr.IsFinal {
		c.bus.Publish(events.New(events.KindTranscriptInterim, c.callID, events.F(
			"utterance_id", tr.UtteranceID, "chars", len(tr.Text), "confidence", tr.Confidence)))
		c.send(ctx, Update{Kind: UpdateInterim, Transcript: tr})

		if !c.warmupSent && tr.Confidence >= warmupConfidence && len(tr.Text) >= warmupMinChars {
			c.warmupSent = true
			c.send(ctx, Update{Kind: UpdateWarmup, Transcript: tr})
		}
		return nil
	}

	c.lastFinal = tr
	if tr.Text != "" {
		c.finalParts = append(c.finalParts, tr.Text)
	}
	if tr.SpeechFinal {
		c.emitFinal(ctx, tr)
	}
	return nil
}

// armFinalDeadline starts the utterance-lost countdown unless one is already
// running or no utterance is open.
func (c *Client) armFinalDeadline() {
	if c.utteranceID == "" || !c.awaitFinalBy.IsZero() {
		return
	}
	c.awaitFinalBy = time.Now().Add(c.cfg.FinalGrace)
}

// openUtterance assigns a fresh utterance id when none is active.
func (c *Client) openUtterance() {
	if c.utteranceID != "" {
		return
	}
	c.utteranceID = uuid.NewString()
	c.utteranceStart = time.Now()
	c.warmupSent = false
}

// emitFinal closes the current utterance with the joined final text.
func (c *Client) emitFinal(ctx context.Context, last types.Transcript) {
	text := strings.Join(c.finalParts, " ")
	if c.cfg.Corrector != nil {
		text = c.cfg.Corrector.Correct(text)
	}
	latency := time.Since(c.utteranceStart)

	final := types.Transcript{
		FragmentID:  uuid.NewString(),
		UtteranceID: c.utteranceID,
		Text:        text,
		Confidence:  last.Confidence,
		IsFinal:     true,
		SpeechFinal: true,
		Start:       last.Start,
		Duration:    last.Duration,
		Language:    last.Language,
	}

	observe.DefaultMetrics().STTFinalLatency.Record(ctx, latency.Seconds())
	c.bus.Publish(events.New(events.KindTranscriptFinal, c.callID, events.F(
		"utterance_id", final.UtteranceID, "chars", len(text), "confidence", final.Confidence,
		"latency_ms", latency.Milliseconds())))

	c.send(ctx, Update{Kind: UpdateFinal, Transcript: final, Latency: latency})

	c.utteranceID = ""
	c.finalParts = nil
	c.lastFinal = types.Transcript{}
	c.awaitFinalBy = time.Time{}
	c.warmupSent = false
}

func (c *Client) send(ctx context.Context, u Update) {
	select {
	case c.updates <- u:
	case <-ctx.Done():
	}
}
