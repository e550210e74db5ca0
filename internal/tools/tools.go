// Package tools hosts the function-calling tools offered to the LLM. External
// tools come from MCP servers spawned over stdio (github.com/modelcontextprotocol/go-sdk);
// in-process Go functions register as builtins. The host presents both behind
// the same catalogue and call surface.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/telvana/voicecore/internal/config"
	"github.com/telvana/voicecore/internal/dispatch"
	"github.com/telvana/voicecore/internal/events"
	"github.com/telvana/voicecore/pkg/types"
)

var _ dispatch.ToolHost = (*Host)(nil)

// callTimeout bounds one tool invocation. A tool slower than this is useless
// mid-call anyway: the caller is waiting on an open phone line.
const callTimeout = 10 * time.Second

// Builtin is an in-process tool.
type Builtin struct {
	Definition types.ToolDefinition
	Handler    func(ctx context.Context, args string) (string, error)
}

type entry struct {
	def     types.ToolDefinition
	server  string
	builtin func(ctx context.Context, args string) (string, error)
}

// Host is the tool registry and call router. Safe for concurrent use; tool
// registration normally happens once at startup.
type Host struct {
	client *mcpsdk.Client
	logger *slog.Logger

	mu       sync.RWMutex
	entries  map[string]entry
	order    []string
	sessions map[string]*mcpsdk.ClientSession
}

// NewHost creates an empty Host.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voicecore", Version: "1.0.0"},
			nil,
		),
		logger:   logger,
		entries:  make(map[string]entry),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterBuiltin adds an in-process tool. Registering a name twice replaces
// the earlier tool.
func (h *Host) RegisterBuiltin(b Builtin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.add(entry{def: b.Definition, builtin: b.Handler})
}

// Connect spawns the stdio MCP server described by cfg, imports its tool
// catalogue, and keeps the session open until Close.
func (h *Host) Connect(ctx context.Context, cfg config.ToolServer) error {
	if cfg.Command == "" {
		return fmt.Errorf("tool server %q: empty command", cfg.Name)
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	session, err := h.client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("tool server %q: connect: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tool server %q: list tools: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[cfg.Name] = session
	for _, t := range discovered {
		h.add(entry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			server: cfg.Name,
		})
	}
	h.logger.Info("tool server connected", "server", cfg.Name, "tools", len(discovered))
	return nil
}

// add inserts or replaces a tool entry. Caller holds h.mu.
func (h *Host) add(e entry) {
	if old, ok := h.entries[e.def.Name]; ok {
		h.logger.Warn("tool name collision, replacing",
			"tool", e.def.Name, "old_server", old.server, "new_server", e.server)
	} else {
		h.order = append(h.order, e.def.Name)
	}
	h.entries[e.def.Name] = e
}

// Definitions returns the tool catalogue in registration order. Implements
// dispatch.ToolHost.
func (h *Host) Definitions() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(h.order))
	for _, name := range h.order {
		defs = append(defs, h.entries[name].def)
	}
	return defs
}

// Call executes one tool invocation. Implements dispatch.ToolHost. An
// application-level tool failure comes back as an error so the dispatcher can
// relay it to the model.
func (h *Host) Call(ctx context.Context, call types.ToolCall) (string, error) {
	h.mu.RLock()
	e, ok := h.entries[call.Name]
	var session *mcpsdk.ClientSession
	if ok && e.server != "" {
		session = h.sessions[e.server]
	}
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	started := time.Now()
	var (
		out string
		err error
	)
	if e.builtin != nil {
		out, err = e.builtin(ctx, call.Arguments)
	} else {
		out, err = h.callMCP(ctx, session, call)
	}
	h.logger.Debug("tool call",
		"tool", call.Name, "duration_ms", events.SinceMs(started), "err", err)
	return out, err
}

func (h *Host) callMCP(ctx context.Context, session *mcpsdk.ClientSession, call types.ToolCall) (string, error) {
	if session == nil {
		return "", fmt.Errorf("tool %q: server session closed", call.Name)
	}

	var args map[string]any
	if call.Arguments != "" && call.Arguments != "{}" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("tool %q: invalid arguments: %w", call.Name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      call.Name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", call.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %q: %s", call.Name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down every server session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tool server %q: close: %w", name, err)
		}
		delete(h.sessions, name)
	}
	return firstErr
}

// schemaToMap normalizes any SDK schema value to the map form the LLM
// providers expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
