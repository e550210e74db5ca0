// Package session owns the per-call worker tree: it assembles the pipeline
// stages for one accepted call, supervises them until the call ends, and
// accounts for every live call in a sharded registry.
//
// The supervision policy is restart-bounded: the STT stage restarts with
// utterance-state reset after transient failures (a lost utterance, exhausted
// reconnects), up to a per-call bound. The telephony transport and audio
// ingress are not restartable: the socket is the call, and losing it ends
// the session. TTS failures never reach the supervisor: the synthesis stage
// degrades per sentence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/internal/dispatch"
	"github.com/telvana/voicecore/internal/egress"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/ingress"
	"github.com/telvana/voicecore/internal/observe"
	"github.com/telvana/voicecore/internal/sttclient"
	"github.com/telvana/voicecore/internal/telephony"
	"github.com/telvana/voicecore/internal/transcript"
	"github.com/telvana/voicecore/internal/turn"
	"github.com/telvana/voicecore/pkg/provider/llm"
	"github.com/telvana/voicecore/pkg/provider/stt"
	"github.com/telvana/voicecore/pkg/provider/tts"
	"github.com/telvana/voicecore/pkg/types"
)

const (
	defaultMaxDuration = 60 * time.Minute
	defaultGraceDrain  = 500 * time.Millisecond

	// maxSTTRestarts bounds recognition-stage restarts per call.
	maxSTTRestarts = 3
)

// End reasons recorded on CallEnded.
const (
	ReasonCallerHangup = "caller_hangup"
	ReasonDeadline     = "deadline"
	ReasonOperator     = "operator"
	ReasonShutdown     = "shutdown"
	ReasonStageFailure = "stage_failure"
	ReasonTransport    = "transport"
)

// Transport is the telephony leg of one call: the handshake metadata plus
// both audio directions. Satisfied by *telephony.Transport; session tests
// substitute an in-memory fake.
type Transport interface {
	ingress.FrameSource
	egress.FrameSink
	Info() telephony.StartInfo
	DTMF() <-chan types.DTMF
	Close() error
}

var _ Transport = (*telephony.Transport)(nil)

// Providers bundles the external services one call consumes.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// Deps are the process-wide dependencies shared across calls.
type Deps struct {
	Bus    *events.Bus
	Tools  dispatch.ToolHost
	Logger *slog.Logger
}

// Session is the worker tree for one call. Create with New, run Run exactly
// once; End is safe from any goroutine and idempotent.
type Session struct {
	id        string
	transport Transport
	providers Providers
	bus       *events.Bus
	logger    *slog.Logger
	cfg       *config.Config

	in         *ingress.Ingress
	out        *egress.Egress
	controller *turn.Controller
	corrector  sttclient.Corrector

	// updates outlives individual STT clients so the controller's inbound
	// channel survives stage restarts.
	updates chan sttclient.Update

	started time.Time

	mu      sync.Mutex
	reason  string
	cause   error
	endOnce sync.Once
	stopped chan struct{}
}

// New assembles the session for an accepted transport. Construction either
// fully succeeds or leaves nothing running; a handshake the core cannot
// serve is rejected here.
func New(transport Transport, providers Providers, deps Deps, cfg *config.Config) (*Session, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	info := transport.Info()
	if info.Encoding != "" && info.Encoding != "audio/x-mulaw" {
		return nil, fmt.Errorf("session: unsupported codec %q", info.Encoding)
	}
	if info.SampleRate != 0 && info.SampleRate != 8000 {
		return nil, fmt.Errorf("session: unsupported sample rate %d", info.SampleRate)
	}
	id := info.CallSID
	if id == "" {
		id = uuid.NewString()
	}
	logger := deps.Logger.With("call_id", id)

	s := &Session{
		id:        id,
		transport: transport,
		providers: providers,
		bus:       deps.Bus,
		logger:    logger,
		cfg:       cfg,
		updates:   make(chan sttclient.Update, 32),
		stopped:   make(chan struct{}),
	}

	s.out = egress.New(id, transport, deps.Bus, logger)
	s.in = ingress.New(id, transport, deps.Bus, logger, ingress.Config{
		VAD: ingress.VADConfig{
			EnergyThreshold: cfg.VAD.EnergyThreshold,
			StartFrames:     cfg.VAD.StartFrames,
			EndFrames:       cfg.VAD.EndFrames,
		},
		Jitter: ingress.JitterConfig{
			Target: cfg.Jitter.Target,
			Max:    cfg.Jitter.Max,
		},
	})
	if len(cfg.Agent.Vocabulary) > 0 {
		s.corrector = transcript.New(cfg.Agent.Vocabulary)
	}

	history := dispatch.NewHistory(cfg.History, dispatch.NewSummarizer(providers.LLM, cfg.Models.Fast.ID))
	dispatcher := dispatch.New(id, providers.LLM, history, deps.Bus, logger, dispatch.Config{
		Tiers:        cfg.Models,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Tools:        deps.Tools,
	})
	speaker := turn.NewSpeaker(id, providers.TTS, s.out,
		types.VoiceProfile{ID: cfg.Agent.VoiceID}, deps.Bus, logger)

	s.controller = turn.New(id, turn.Deps{
		Activity:   s.in.Activity(),
		Updates:    s.updates,
		DTMF:       transport.DTMF(),
		Dispatcher: dispatcher,
		Speaker:    speaker,
		Egress:     s.out,
		History:    history,
		Bus:        deps.Bus,
		Logger:     logger,
	}, turn.Config{
		SilenceTimeout:    cfg.Call.SilenceTimeout,
		Greeting:          cfg.Call.Greeting,
		FallbackUtterance: cfg.Call.FallbackUtterance,
	})

	return s, nil
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// Run drives the call to completion and returns after CallEnded is emitted
// and the transport is closed.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	metrics := observe.DefaultMetrics()
	metrics.ActiveCalls.Add(ctx, 1)
	defer metrics.ActiveCalls.Add(ctx, -1)

	info := s.transport.Info()
	s.bus.Publish(events.New(events.KindCallStarted, s.id, events.F(
		"stream_sid", info.StreamSID, "from", info.From, "to", info.To)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopped:
			cancel()
		case <-runCtx.Done():
		}
	}()

	maxDur := s.cfg.Call.MaxDuration
	if maxDur <= 0 {
		maxDur = defaultMaxDuration
	}
	deadline := time.AfterFunc(maxDur, func() {
		s.end(ReasonDeadline, nil, true)
	})
	defer deadline.Stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.runEgress(gctx) })
	g.Go(func() error { return s.runIngress(gctx) })
	g.Go(func() error { return s.superviseSTT(gctx) })
	g.Go(func() error { return s.controller.Run(gctx) })
	_ = g.Wait()

	reason, cause := s.endState()
	fields := events.F(
		"reason", reason,
		"duration_ms", events.SinceMs(s.started),
		"turn_count", s.controller.TurnCount(),
	)
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	s.bus.Publish(events.New(events.KindCallEnded, s.id, fields))
	s.logger.Info("call ended", "reason", reason,
		"duration", time.Since(s.started).Round(time.Millisecond),
		"turns", s.controller.TurnCount())

	return s.transport.Close()
}

// End requests a graceful teardown: queued outbound audio drains within the
// grace period, then every worker is cancelled. Idempotent.
func (s *Session) End(reason string) {
	s.end(reason, nil, true)
}

// end records the first teardown reason and stops the worker tree. drain
// selects the graceful path; transport failures skip it because the socket
// can no longer carry audio.
func (s *Session) end(reason string, cause error, drain bool) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.cause = cause
		s.mu.Unlock()

		if !drain {
			close(s.stopped)
			return
		}
		grace := s.cfg.Call.GraceDrain
		if grace <= 0 {
			grace = defaultGraceDrain
		}
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			s.out.Done()
			_ = s.out.Drain(drainCtx)
			close(s.stopped)
		}()
	})
}

func (s *Session) endState() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return ReasonShutdown, nil
	}
	return s.reason, s.cause
}

// runEgress pumps paced outbound frames. A write failure means the socket is
// gone, which is session-fatal with no drain.
func (s *Session) runEgress(ctx context.Context) error {
	err := s.out.Run(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("egress failed", "err", err)
		s.end(ReasonTransport, err, false)
	}
	return nil
}

// runIngress consumes inbound frames. End of stream is the caller hanging
// up; any other source error is a dead transport.
func (s *Session) runIngress(ctx context.Context) error {
	err := s.in.Run(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, telephony.ErrEndOfStream):
		s.end(ReasonCallerHangup, nil, true)
	default:
		s.logger.Error("ingress failed", "err", err)
		s.end(ReasonTransport, err, false)
	}
	return nil
}

// superviseSTT runs the recognition stage, restarting it on transient
// failure up to maxSTTRestarts. Auth failures and an exhausted restart
// budget escalate to session termination.
func (s *Session) superviseSTT(ctx context.Context) error {
	defer close(s.updates)

	restarts := 0
	for {
		client := sttclient.New(s.id, s.providers.STT, s.in.Audio(), s.bus, s.logger, sttclient.Config{
			Corrector: s.corrector,
		})
		errCh := make(chan error, 1)
		go func() { errCh <- client.Run(ctx) }()
		for u := range client.Updates() {
			select {
			case s.updates <- u:
			case <-ctx.Done():
			}
		}
		err := <-errCh

		switch {
		case err == nil, ctx.Err() != nil:
			return nil
		case sttFatal(err):
			s.logger.Error("stt stage failed", "err", err)
			s.end(ReasonStageFailure, err, true)
			return nil
		}

		restarts++
		if restarts > maxSTTRestarts {
			s.logger.Error("stt restart budget exhausted", "restarts", restarts, "err", err)
			s.end(ReasonStageFailure, err, true)
			return nil
		}
		s.logger.Warn("restarting stt stage", "restart", restarts, "err", err)
		observe.DefaultMetrics().RecordStageRestart(ctx, "stt")
		s.bus.Publish(events.New(events.KindStageRestarted, s.id, events.F(
			"stage", "stt", "restart", restarts, "cause", err.Error())))
	}
}

// sttFatal reports recognition errors no restart can fix.
func sttFatal(err error) bool {
	var auth *stt.AuthError
	return errors.As(err, &auth)
}
