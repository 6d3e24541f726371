// Package toolrpc speaks JSON-RPC 2.0 to remote tool servers over streaming
// HTTP. Responses arrive SSE-framed: the last "data: " line of the body is
// the JSON payload. Sessions are pinned with the Mcp-Session-Id header the
// server assigns during initialize.
package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the tool-server protocol revision the client announces.
const ProtocolVersion = "2025-03-26"

// NoSession is the sentinel session id used when a server does not assign
// one during initialize.
const NoSession = "no-session"

const sessionHeader = "Mcp-Session-Id"

// Method-name fallback orders. A server replying with code -32602 to one
// spelling is retried with the next.
var (
	callMethods = []string{"tools/call", "tools.call", "tools.invoke"}
	listMethods = []string{"tools/list", "tools.list"}
)

const defaultConnectTimeout = 30 * time.Second

// DefaultRequestTimeout bounds a whole tool request including the streamed
// read of its response.
const DefaultRequestTimeout = 300 * time.Second

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// ToolInfo is a normalized tool descriptor as discovered from a server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Client talks to a single tool server. It is conversation-local: the
// session id captured during Initialize is sent on every subsequent call and
// never shared between conversations.
type Client struct {
	server  string
	baseURL string
	headers map[string]string
	httpc   *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewClient creates a client for one tool server. headers are sent on every
// request; requestTimeout bounds each call (DefaultRequestTimeout when zero).
func NewClient(server, baseURL string, headers map[string]string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		server:  server,
		baseURL: baseURL,
		headers: headers,
		logger:  logger.With("tool_server", server),
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
			},
		},
	}
}

// SessionID returns the server-assigned session id, or NoSession before
// Initialize (or when the server assigned none).
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return NoSession
	}
	return c.sessionID
}

// Initialize performs the JSON-RPC initialize handshake and captures the
// session id from the Mcp-Session-Id response header.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string, extra map[string]string) (string, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	_, header, err := c.post(ctx, "initialize", params, extra)
	if err != nil {
		return "", err
	}

	session := header.Get(sessionHeader)
	c.mu.Lock()
	c.sessionID = session
	c.mu.Unlock()

	if session == "" {
		c.logger.Debug("tool server assigned no session id")
		return NoSession, nil
	}
	c.logger.Debug("tool session established", "session_id", session)
	return session, nil
}

// ListTools queries the server's tool directory, trying each method-name
// spelling in order.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.callWithFallback(ctx, listMethods, map[string]any{}, nil)
	if err != nil {
		return nil, err
	}

	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, &Error{Kind: KindProtocol, Server: c.server, Message: "malformed tools/list result", Err: err}
	}

	tools := make([]ToolInfo, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool invokes a tool and returns the raw JSON-RPC result.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any, extra map[string]string) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}
	result, err := c.callWithFallback(ctx, callMethods, params, extra)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// Close drops the pinned session. The server side expires it on its own.
func (c *Client) Close() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	c.httpc.CloseIdleConnections()
}

// callWithFallback posts the request under each method name in order,
// advancing on invalid-params replies and stopping on any other error.
func (c *Client) callWithFallback(ctx context.Context, methods []string, params any, extra map[string]string) (json.RawMessage, error) {
	var lastErr error
	for _, method := range methods {
		result, _, err := c.post(ctx, method, params, extra)
		if err == nil {
			return result, nil
		}
		if KindOf(err) != KindInvalidParams {
			return nil, err
		}
		c.logger.Debug("method rejected, trying fallback", "method", method)
		lastErr = err
	}
	return nil, lastErr
}

// post sends one JSON-RPC request and parses the SSE-framed response.
func (c *Client) post(ctx context.Context, method string, params any, extra map[string]string) (json.RawMessage, http.Header, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, &Error{Kind: KindProtocol, Server: c.server, Method: method, Message: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Server: c.server, Method: method, Message: "create request", Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Mcp-Protocol-Version", ProtocolVersion)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range extra {
		httpReq.Header.Set(k, v)
	}
	c.mu.Lock()
	if c.sessionID != "" {
		httpReq.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Server: c.server, Method: method, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Server: c.server, Method: method, Message: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, &Error{Kind: KindUnauthorized, Server: c.server, Method: method, Message: strings.TrimSpace(string(raw))}
	case resp.StatusCode == http.StatusBadRequest:
		return nil, nil, &Error{Kind: KindBadRequest, Server: c.server, Method: method, Message: strings.TrimSpace(string(raw))}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted:
		return nil, nil, &Error{Kind: KindTransport, Server: c.server, Method: method,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	payload := parseFrame(raw)

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, nil, &Error{Kind: KindProtocol, Server: c.server, Method: method, Message: "malformed response body", Err: err}
	}
	if rpcResp.Error != nil {
		kind := KindProtocol
		if rpcResp.Error.Code == codeInvalidParams {
			kind = KindInvalidParams
		}
		if strings.Contains(strings.ToLower(rpcResp.Error.Message), "unauthorized") {
			kind = KindUnauthorized
		}
		return nil, nil, &Error{Kind: kind, Server: c.server, Method: method, Message: rpcResp.Error.Message}
	}

	return rpcResp.Result, resp.Header, nil
}

// parseFrame extracts the JSON payload from an SSE-framed body. The last
// "data: " line wins; bodies without one are treated as plain JSON.
func parseFrame(body []byte) []byte {
	var payload []byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("data: ")) {
			payload = bytes.TrimPrefix(line, []byte("data: "))
		}
	}
	if payload == nil {
		return body
	}
	return payload
}
