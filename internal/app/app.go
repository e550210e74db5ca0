// Package app wires the voicecore subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Close
// tears everything down in order. The telephony provider dials the /call
// websocket endpoint; /healthz, /readyz and /metrics serve operations.
//
// For testing, inject doubles via functional options (WithEventSink,
// WithToolHost). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/internal/dispatch"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/internal/health"
	"github.com/telvana/voicecore/internal/session"
	"github.com/telvana/voicecore/internal/telephony"
	"github.com/telvana/voicecore/internal/tools"
)

const (
	// shutdownGrace is how long Run waits for live calls to drain after the
	// serve context ends.
	shutdownGrace = 15 * time.Second

	// httpShutdownTimeout bounds the final HTTP listener shutdown.
	httpShutdownTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes and serves the voicecore endpoints.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *events.Bus
	toolHost   dispatch.ToolHost
	supervisor *session.Supervisor
	mux        *http.ServeMux

	// closers are called in reverse order during Close.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*options)

type options struct {
	sink     events.Sink
	toolHost dispatch.ToolHost
}

// WithEventSink injects an event sink instead of creating one from config.
func WithEventSink(s events.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithToolHost injects a tool host instead of connecting the configured MCP
// servers.
func WithToolHost(h dispatch.ToolHost) Option {
	return func(o *options) { o.toolHost = h }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers session.Providers, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}

	sink := o.sink
	if sink == nil {
		var err error
		sink, err = newSink(ctx, cfg.EventSink)
		if err != nil {
			return nil, fmt.Errorf("app: event sink: %w", err)
		}
	}
	// The bus owns the sink and closes it.
	a.bus = events.NewBus(sink, cfg.EventSink.QueueDepth)
	a.closers = append(a.closers, a.bus.Close)

	a.toolHost = o.toolHost
	if a.toolHost == nil && len(cfg.Tools) > 0 {
		host := tools.NewHost(logger)
		for _, srv := range cfg.Tools {
			if err := host.Connect(ctx, srv); err != nil {
				_ = host.Close()
				a.close()
				return nil, fmt.Errorf("app: %w", err)
			}
		}
		a.toolHost = host
		a.closers = append(a.closers, host.Close)
	}

	a.supervisor = session.NewSupervisor(cfg, providers, a.bus, a.toolHost, logger)

	a.mux = http.NewServeMux()
	a.mux.HandleFunc("GET /call", a.handleCall)
	a.mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{
		Name:  "event_bus",
		Check: a.checkEventBus,
	}).Register(a.mux)

	return a, nil
}

// newSink selects the configured event sink: Postgres when a DSN is set,
// NDJSON on stdout otherwise.
func newSink(ctx context.Context, cfg config.EventSinkConfig) (events.Sink, error) {
	if cfg.PostgresDSN != "" {
		return events.NewPostgresSink(ctx, cfg.PostgresDSN)
	}
	return events.NewWriterSink(os.Stdout), nil
}

// Handler returns the HTTP handler serving every endpoint. Useful for tests
// and for embedding the app under an outer mux.
func (a *App) Handler() http.Handler { return a.mux }

// Supervisor exposes the call supervisor for operational surfaces.
func (a *App) Supervisor() *session.Supervisor { return a.supervisor }

// checkEventBus fails readiness when the bounded event queue is overflowing,
// which means the sink cannot keep up.
func (a *App) checkEventBus(context.Context) error {
	if n := a.bus.Dropped(); n > 0 {
		return fmt.Errorf("%d events dropped", n)
	}
	return nil
}

// handleCall upgrades the telephony provider's websocket, completes the media
// stream handshake, and runs the call to completion. The HTTP handler blocks
// for the lifetime of the call.
func (a *App) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	transport, err := telephony.Accept(r.Context(), conn, a.logger)
	if err != nil {
		a.logger.Warn("media stream handshake failed", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		return
	}

	if err := a.supervisor.AcceptCall(r.Context(), transport); err != nil && r.Context().Err() == nil {
		a.logger.Warn("call failed", "err", err)
	}
}

// Run serves HTTP on the configured listen address until ctx is cancelled,
// then drains live calls and shuts the listener down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}

	srv := &http.Server{
		Handler:     a.mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	a.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("draining live calls", "active", a.supervisor.Active())
	a.supervisor.Shutdown()
	deadline := time.Now().Add(shutdownGrace)
	for a.supervisor.Active() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := a.supervisor.Active(); n > 0 {
		a.logger.Warn("calls still active at shutdown deadline", "active", n)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

// Close releases every subsystem. Safe to call multiple times.
func (a *App) Close() error {
	var err error
	a.stopOnce.Do(func() { err = a.close() })
	return err
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
