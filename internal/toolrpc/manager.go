package toolrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
)

// ServerConfig describes one configured tool server.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Tool is a discovered tool annotated with its owning server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Server      string
}

// Manager is a conversation's directory of tool servers. Clients are created
// lazily and memoized; sessions established through them stay pinned to this
// conversation. Managers are never shared across conversations, and within a
// conversation only one tool call runs at a time.
type Manager struct {
	servers        []ServerConfig
	requestTimeout time.Duration
	clientName     string
	clientVersion  string
	logger         *slog.Logger

	mu        sync.Mutex
	clients   map[string]*Client
	tools     []Tool
	byTool    map[string]string
	schemas   map[string]*jsonschema.Schema
	catalogue []openai.Tool
}

// NewManager creates a manager over the configured servers. No connections
// are made until Initialize.
func NewManager(servers []ServerConfig, requestTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:        servers,
		requestTimeout: requestTimeout,
		clientName:     "frevagpt",
		clientVersion:  "1.0.0",
		logger:         logger.With("component", "toolmanager"),
		clients:        make(map[string]*Client),
		byTool:         make(map[string]string),
		schemas:        make(map[string]*jsonschema.Schema),
	}
}

// Initialize connects to every configured server, discovers its tools, and
// builds the function-tool catalogue for the model. Unreachable servers are
// skipped with a warning so one dead server does not take the conversation
// down. The lock only guards map writes: discovery I/O runs without it, so
// Close from an eviction never waits behind a slow server.
func (m *Manager) Initialize(ctx context.Context, headers map[string]string) error {
	type discovery struct {
		server string
		tools  []ToolInfo
	}

	var connected int
	var discovered []discovery
	for _, srv := range m.servers {
		m.mu.Lock()
		client := m.clientLocked(srv, headers)
		m.mu.Unlock()

		if _, err := client.Initialize(ctx, m.clientName, m.clientVersion, nil); err != nil {
			m.logger.Warn("tool server unreachable", "server", srv.Name, "error", err)
			continue
		}

		tools, err := client.ListTools(ctx)
		if err != nil {
			m.logger.Warn("tool discovery failed", "server", srv.Name, "error", err)
			continue
		}
		connected++
		discovered = append(discovered, discovery{server: srv.Name, tools: tools})
	}

	m.mu.Lock()
	m.tools = nil
	m.catalogue = nil
	m.byTool = make(map[string]string)
	m.schemas = make(map[string]*jsonschema.Schema)

	for _, d := range discovered {
		for _, t := range d.tools {
			if _, dup := m.byTool[t.Name]; dup {
				m.logger.Warn("duplicate tool name, keeping first", "tool", t.Name, "server", d.server)
				continue
			}
			m.byTool[t.Name] = d.server
			m.tools = append(m.tools, Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Server:      d.server,
			})
			m.catalogue = append(m.catalogue, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  schemaParameters(t.InputSchema),
				},
			})
			if len(t.InputSchema) > 0 {
				sch, err := jsonschema.CompileString(t.Name+".json", string(t.InputSchema))
				if err != nil {
					m.logger.Debug("tool schema does not compile", "tool", t.Name, "error", err)
					continue
				}
				m.schemas[t.Name] = sch
			}
		}
	}
	m.mu.Unlock()

	if connected == 0 && len(m.servers) > 0 {
		return fmt.Errorf("no tool server reachable (%d configured)", len(m.servers))
	}
	return nil
}

// Catalogue returns the cached function-tool definitions for the model.
func (m *Manager) Catalogue() []openai.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]openai.Tool, len(m.catalogue))
	copy(out, m.catalogue)
	return out
}

// Tools returns the discovered tool directory.
func (m *Manager) Tools() []Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tool, len(m.tools))
	copy(out, m.tools)
	return out
}

// ServerFor returns the server owning a tool name.
func (m *Manager) ServerFor(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.byTool[name]
	return srv, ok
}

// CallTool routes a tool invocation. A serverHint naming a known server is
// honored; otherwise routing falls back to the discovered directory and
// finally to trying each configured server in order. The blocking HTTP call
// runs on its own goroutine so cancelling ctx returns promptly.
func (m *Manager) CallTool(ctx context.Context, serverHint, name string, arguments map[string]any, extra map[string]string) (string, error) {
	m.validateArguments(name, arguments)

	targets := m.routeTargets(serverHint, name)
	if len(targets) == 0 {
		return "", &Error{Kind: KindBadRequest, Server: serverHint, Message: "no tool server configured"}
	}

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		var lastErr error
		for _, client := range targets {
			result, err := client.CallTool(ctx, name, arguments, extra)
			if err == nil {
				done <- outcome{result: result}
				return
			}
			lastErr = err
		}
		done <- outcome{err: lastErr}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

// Close drops all sessions. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, client := range m.clients {
		client.Close()
	}
}

// Sessions reports the current session id per connected server.
func (m *Manager) Sessions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.clients))
	for name, client := range m.clients {
		out[name] = client.SessionID()
	}
	return out
}

func (m *Manager) routeTargets(serverHint, name string) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if serverHint != "" {
		for _, srv := range m.servers {
			if srv.Name == serverHint {
				return []*Client{m.clientLocked(srv, nil)}
			}
		}
	}
	if srv, ok := m.byTool[name]; ok {
		for _, cfg := range m.servers {
			if cfg.Name == srv {
				return []*Client{m.clientLocked(cfg, nil)}
			}
		}
	}
	// Best effort: try everything in configuration order.
	targets := make([]*Client, 0, len(m.servers))
	for _, srv := range m.servers {
		targets = append(targets, m.clientLocked(srv, nil))
	}
	return targets
}

// clientLocked returns the memoized client for a server, creating it with
// merged headers on first use. Callers hold m.mu.
func (m *Manager) clientLocked(srv ServerConfig, headers map[string]string) *Client {
	if client, ok := m.clients[srv.Name]; ok {
		return client
	}
	merged := make(map[string]string, len(srv.Headers)+len(headers))
	for k, v := range srv.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	client := NewClient(srv.Name, srv.URL, merged, m.requestTimeout, m.logger)
	m.clients[srv.Name] = client
	return client
}

// validateArguments checks arguments against the discovered input schema.
// Servers stay authoritative: failures are logged and the call proceeds.
func (m *Manager) validateArguments(name string, arguments map[string]any) {
	m.mu.Lock()
	sch := m.schemas[name]
	m.mu.Unlock()
	if sch == nil {
		return
	}
	var value any = map[string]any{}
	if arguments != nil {
		value = map[string]any(arguments)
	}
	if err := sch.Validate(value); err != nil {
		m.logger.Warn("tool arguments fail schema validation", "tool", name, "error", err)
	}
}

func schemaParameters(schema json.RawMessage) map[string]any {
	var params map[string]any
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &params); err == nil {
			return params
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
