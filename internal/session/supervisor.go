package session

import (
	"context"
	"log/slog"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/internal/dispatch"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/resilience"
)

// Supervisor accepts calls and owns the process-wide call registry. The
// LLM and TTS circuit breakers are shared across calls: a provider outage
// observed on one call should shed load for all of them.
type Supervisor struct {
	cfg       *config.Config
	providers Providers
	bus       *events.Bus
	tools     dispatch.ToolHost
	logger    *slog.Logger

	registry   *Registry
	llmBreaker *resilience.Breaker
	ttsBreaker *resilience.Breaker
}

// NewSupervisor creates the supervisor. tools may be nil when no tool
// servers are configured.
func NewSupervisor(cfg *config.Config, providers Providers, bus *events.Bus, tools dispatch.ToolHost, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		providers:  providers,
		bus:        bus,
		tools:      tools,
		logger:     logger,
		registry:   NewRegistry(),
		llmBreaker: resilience.New(resilience.Config{Name: "llm"}, logger),
		ttsBreaker: resilience.New(resilience.Config{Name: "tts"}, logger),
	}
}

// AcceptCall builds and runs the session for an accepted transport,
// returning when the call ends. Construction failure tears the transport
// down and emits CallEnded{reason: accept_failed} so the start/end pairing
// holds even for rejected calls.
func (sv *Supervisor) AcceptCall(ctx context.Context, transport Transport) error {
	guarded := Providers{
		STT: sv.providers.STT,
		LLM: resilience.GuardLLM(sv.providers.LLM, sv.llmBreaker),
		TTS: resilience.GuardTTS(sv.providers.TTS, sv.ttsBreaker),
	}
	sess, err := New(transport, guarded, Deps{
		Bus:    sv.bus,
		Tools:  sv.tools,
		Logger: sv.logger,
	}, sv.cfg)
	if err != nil {
		sv.logger.Warn("call rejected", "err", err)
		sv.bus.Publish(events.New(events.KindCallStarted, transport.Info().CallSID, nil))
		sv.bus.Publish(events.New(events.KindCallEnded, transport.Info().CallSID, events.F(
			"reason", "accept_failed", "cause", err.Error())))
		_ = transport.Close()
		return err
	}
	if err := sv.registry.Add(sess); err != nil {
		sv.logger.Warn("call rejected", "err", err)
		_ = transport.Close()
		return err
	}
	defer sv.registry.Remove(sess.ID())

	return sess.Run(ctx)
}

// EndCall gracefully ends a live call. Returns false when the call id is
// unknown (already ended calls are not an error).
func (sv *Supervisor) EndCall(id, reason string) bool {
	sess, ok := sv.registry.Get(id)
	if !ok {
		return false
	}
	sess.End(reason)
	return true
}

// Active returns the number of live calls.
func (sv *Supervisor) Active() int { return sv.registry.Len() }

// Shutdown asks every live call to drain and end. Call sites should keep
// serving until Active reaches zero or their own deadline expires.
func (sv *Supervisor) Shutdown() {
	sv.registry.Each(func(s *Session) { s.End(ReasonShutdown) })
}
