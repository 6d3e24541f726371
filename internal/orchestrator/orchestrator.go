// Package orchestrator drives one conversational turn: streamed model
// completions alternating with tool invocations, heartbeats while tools run,
// stop probes between yields, and persistence at the end.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/freva-org/frevagpt/internal/observability"
	"github.com/freva-org/frevagpt/internal/registry"
	"github.com/freva-org/frevagpt/internal/storage"
	"github.com/freva-org/frevagpt/internal/toolrpc"
	"github.com/freva-org/frevagpt/pkg/models"
)

const (
	defaultHeartbeat = 10 * time.Second
	defaultProbe     = 3 * time.Second
	persistTimeout   = 30 * time.Second
)

// Request describes one conversational turn.
type Request struct {
	Model        string
	ThreadID     string
	UserID       string
	UserInput    string
	SystemPrompt string
}

// Orchestrator runs turns against the completion proxy. Heartbeat and probe
// intervals are configurable for tests; zero values take the defaults.
type Orchestrator struct {
	llm      *openai.Client
	registry *registry.Registry
	store    storage.ThreadStorage
	metrics  *observability.Metrics
	logger   *slog.Logger

	Heartbeat time.Duration
	Probe     time.Duration
}

// New wires an orchestrator. metrics may be nil in tests.
func New(llm *openai.Client, reg *registry.Registry, store storage.ThreadStorage, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		llm:       llm,
		registry:  reg,
		store:     store,
		metrics:   metrics,
		logger:    logger.With("component", "orchestrator"),
		Heartbeat: defaultHeartbeat,
		Probe:     defaultProbe,
	}
}

// NewLLMClient builds a completion client against an OpenAI-compatible proxy.
func NewLLMClient(baseURL, token string) *openai.Client {
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	}
	return openai.NewClientWithConfig(cfg)
}

// Prepare loads any stored history for the thread and registers the
// conversation in state STREAMING. The returned history is already repaired.
func (o *Orchestrator) Prepare(ctx context.Context, threadID, userID string, tools *toolrpc.Manager) (models.Conversation, error) {
	var history models.Conversation
	if o.store != nil {
		stored, err := o.store.Read(ctx, threadID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// new thread
		case err != nil:
			return nil, fmt.Errorf("load history for %s: %w", threadID, err)
		default:
			history = models.Cleanup(stored, false)
		}
	}
	o.registry.Initialize(ctx, threadID, userID, history, tools)
	return history, nil
}

// Run produces the event stream for one turn. The channel is closed after
// the terminal StreamEnd; it must be consumed by a single reader.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan models.StreamVariant {
	out := make(chan models.StreamVariant)
	go func() {
		defer close(out)
		start := time.Now()
		o.run(ctx, req, out)
		if o.metrics != nil {
			o.metrics.StreamDuration.Observe(time.Since(start).Seconds())
		}
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- models.StreamVariant) {
	logger := o.logger.With("thread_id", req.ThreadID)

	emit := func(sv models.StreamVariant) bool {
		select {
		case out <- sv:
			if o.metrics != nil {
				o.metrics.EventsEmitted.WithLabelValues(string(sv.Variant)).Inc()
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	persist := func() {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.registry.EndAndSave(pctx, req.ThreadID, o.store); err != nil {
			logger.Error("conversation not persisted", "error", err)
		}
	}

	finish := func(message string) {
		terminal := models.NewStreamEnd(message)
		o.registry.Add(req.ThreadID, terminal)
		emit(terminal)
		o.registry.CancelToolTasks(req.ThreadID)
		persist()
	}

	hint := models.NewServerHint(map[string]string{"thread_id": req.ThreadID})
	userTurn := models.NewUser(req.UserInput)
	o.registry.Add(req.ThreadID, hint, userTurn)
	if !emit(hint) {
		finish(models.StreamEndCancelled)
		return
	}

	tools := o.registry.GetToolManager(req.ThreadID)
	var extras []openai.ChatCompletionMessage

	for {
		if state, ok := o.registry.GetState(req.ThreadID); !ok || state == registry.StateStopping {
			finish(models.StreamEndStopped)
			return
		}
		if ctx.Err() != nil {
			finish(models.StreamEndCancelled)
			return
		}

		messages := o.buildMessages(req, extras)
		calls, text, stopped, err := o.consumeCompletion(ctx, req, messages, tools, emit)
		if err != nil {
			if ctx.Err() != nil {
				finish(models.StreamEndCancelled)
				return
			}
			logger.Error("model stream failed", "error", err)
			failure := models.NewOpenAIError(err.Error())
			o.registry.Add(req.ThreadID, failure)
			emit(failure)
			finish(models.StreamEndError)
			return
		}

		if text != "" {
			o.registry.Add(req.ThreadID, models.NewAssistant(text, ""))
		}

		if stopped {
			finish(models.StreamEndStopped)
			return
		}

		if len(calls) == 0 {
			finish(models.StreamEndNormal)
			return
		}

		for _, call := range calls {
			stopped, err := o.dispatchTool(ctx, req, tools, call, &extras, emit)
			if stopped {
				finish(models.StreamEndStopped)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					finish(models.StreamEndCancelled)
					return
				}
				logger.Error("turn failed", "tool", call.name, "error", err)
				failure := models.NewServerError(err.Error())
				o.registry.Add(req.ThreadID, failure)
				emit(failure)
				finish(models.StreamEndError)
				return
			}
		}
	}
}

// buildMessages assembles the next prompt: system prompt, converted history,
// and any extra follow-up messages not represented in the event history.
func (o *Orchestrator) buildMessages(req Request, extras []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	history, _ := o.registry.GetMessages(req.ThreadID)
	normalized := models.NormalizeForPrompt(history, false)

	messages := make([]openai.ChatCompletionMessage, 0, len(normalized)+len(extras)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, models.ToChatMessages(normalized, supportsImages(req.Model), false)...)
	messages = append(messages, extras...)
	return messages
}

// pendingCall accumulates one tool call from streamed deltas.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// consumeCompletion issues one streamed completion and forwards deltas:
// assistant text fragments immediately, code-interpreter argument fragments
// as Code events. Returns the finalized tool calls in stream order, the
// consolidated assistant text, and whether a stop request interrupted the
// stream.
func (o *Orchestrator) consumeCompletion(ctx context.Context, req Request, messages []openai.ChatCompletionMessage, tools *toolrpc.Manager, emit func(models.StreamVariant) bool) ([]*pendingCall, string, bool, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if tools != nil {
		if catalogue := tools.Catalogue(); len(catalogue) > 0 {
			chatReq.Tools = catalogue
			chatReq.ToolChoice = "auto"
		}
	}

	started := time.Now()
	stream, err := o.llm.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		o.observeLLM(req.Model, started, "error")
		return nil, "", false, fmt.Errorf("create completion: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	byIndex := make(map[int]*pendingCall)
	var order []*pendingCall

	// Recv blocks, so it runs on its own goroutine; the loop below keeps
	// probing the conversation state while the model streams.
	type streamChunk struct {
		resp openai.ChatCompletionStreamResponse
		err  error
	}
	chunks := make(chan streamChunk)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			resp, err := stream.Recv()
			select {
			case chunks <- streamChunk{resp: resp, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	probe := time.NewTicker(o.Probe)
	defer probe.Stop()

read:
	for {
		var resp openai.ChatCompletionStreamResponse
		select {
		case c := <-chunks:
			if errors.Is(c.err, io.EOF) {
				break read
			}
			if c.err != nil {
				o.observeLLM(req.Model, started, "error")
				return nil, "", false, fmt.Errorf("read completion: %w", c.err)
			}
			resp = c.resp

		case <-probe.C:
			if state, ok := o.registry.GetState(req.ThreadID); !ok || state == registry.StateStopping {
				o.observeLLM(req.Model, started, "stopped")
				return nil, text.String(), true, nil
			}
			continue

		case <-ctx.Done():
			return nil, "", false, ctx.Err()
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if piece := choice.Delta.Content; piece != "" {
			text.WriteString(piece)
			if !emit(models.NewAssistant(piece, "")) {
				return nil, "", false, ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := byIndex[idx]
			if !ok {
				call = &pendingCall{}
				byIndex[idx] = call
				order = append(order, call)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				if call.name == models.ToolCodeInterpreter {
					if !emit(models.NewCode(tc.Function.Arguments, call.id)) {
						return nil, "", false, ctx.Err()
					}
				}
			}
		}

		if choice.FinishReason != "" {
			break read
		}
	}

	o.observeLLM(req.Model, started, "ok")

	finalized := make([]*pendingCall, 0, len(order))
	for _, call := range order {
		if call.name == "" {
			continue
		}
		if call.id == "" {
			call.id = uuid.NewString()
		}
		finalized = append(finalized, call)
	}
	return finalized, text.String(), false, nil
}

// dispatchTool runs one finalized tool call with heartbeat interleaving and
// stop probes, then records and emits the parsed result. Returns stopped
// when a stop request was observed while the tool ran.
func (o *Orchestrator) dispatchTool(ctx context.Context, req Request, tools *toolrpc.Manager, call *pendingCall, extras *[]openai.ChatCompletionMessage, emit func(models.StreamVariant) bool) (bool, error) {
	args := call.args.String()
	if call.name == models.ToolCodeInterpreter {
		// The streamed fragments were wire-only; history carries one
		// consolidated Code event. Non-code calls need no history entry of
		// their own: converting their ToolOutput regenerates the assistant
		// tool_calls message directly in front of the result.
		o.registry.Add(req.ThreadID, models.NewCode(args, call.id))
	}

	result, stopped, err := o.invokeTool(ctx, req, tools, call, emit)
	if stopped || (err != nil && ctx.Err() != nil) {
		return stopped, err
	}
	if err != nil {
		// Tool failures stay inside the conversation: the model sees the
		// error as the tool result and may react.
		result = fmt.Sprintf("tool call failed: %v", err)
		if call.name == models.ToolCodeInterpreter && toolrpc.KindOf(err) != toolrpc.KindTransport {
			failure := models.NewCodeError(result)
			o.registry.Add(req.ThreadID, failure)
			emit(failure)
		}
	}

	parsed := ParseToolResult(result, call.name, call.id)
	for _, sv := range parsed.Variants {
		o.registry.Add(req.ThreadID, sv)
		if !emit(sv) {
			return false, ctx.Err()
		}
	}
	for _, msg := range parsed.FollowUp {
		// Tool-role results are regenerated from history next turn; only the
		// user-role image announcements need carrying forward.
		if msg.Role == openai.ChatMessageRoleUser {
			*extras = append(*extras, msg)
		}
	}
	return false, nil
}

// invokeTool launches the blocking tool call as a registered cancellable
// task and interleaves heartbeats and stop probes while it runs.
func (o *Orchestrator) invokeTool(ctx context.Context, req Request, tools *toolrpc.Manager, call *pendingCall, emit func(models.StreamVariant) bool) (string, bool, error) {
	if tools == nil {
		return "", false, fmt.Errorf("no tool manager for conversation")
	}

	taskID := uuid.NewString()
	taskCtx, cancel := context.WithCancel(ctx)
	o.registry.RegisterToolTask(req.ThreadID, taskID, cancel)
	defer func() {
		o.registry.UnregisterToolTask(req.ThreadID, taskID)
		cancel()
	}()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	server, _ := tools.ServerFor(call.name)

	go func() {
		result, err := tools.CallTool(taskCtx, "", call.name, decodeArguments(call), nil)
		done <- outcome{result: result, err: err}
	}()

	heartbeat := time.NewTicker(o.Heartbeat)
	defer heartbeat.Stop()
	probe := time.NewTicker(o.Probe)
	defer probe.Stop()

	for {
		select {
		case o2 := <-done:
			o.observeTool(server, call.name, started, o2.err)
			return o2.result, false, o2.err

		case <-heartbeat.C:
			telemetry := models.NewServerHint(map[string]any{
				"heartbeat": map[string]any{
					"tool":        call.name,
					"elapsed_sec": int(time.Since(started).Seconds()),
				},
			})
			if !emit(telemetry) {
				cancel()
				<-done
				return "", false, ctx.Err()
			}

		case <-probe.C:
			if state, ok := o.registry.GetState(req.ThreadID); !ok || state == registry.StateStopping {
				cancel()
				<-done
				return "", true, nil
			}

		case <-ctx.Done():
			cancel()
			<-done
			return "", false, ctx.Err()
		}
	}
}

func (o *Orchestrator) observeLLM(model string, started time.Time, status string) {
	if o.metrics == nil {
		return
	}
	o.metrics.LLMRequests.WithLabelValues(model, status).Inc()
	o.metrics.LLMRequestDuration.WithLabelValues(model).Observe(time.Since(started).Seconds())
}

func (o *Orchestrator) observeTool(server, tool string, started time.Time, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.ToolCalls.WithLabelValues(server, tool, status).Inc()
	o.metrics.ToolCallDuration.WithLabelValues(server, tool).Observe(time.Since(started).Seconds())
}

func decodeArguments(call *pendingCall) map[string]any {
	raw := call.args.String()
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	if call.name == models.ToolCodeInterpreter {
		return map[string]any{"code": raw}
	}
	return map[string]any{"input": raw}
}

// supportsImages reports whether a model accepts image content parts.
func supportsImages(model string) bool {
	m := strings.ToLower(model)
	for _, marker := range []string{"gpt-4o", "gpt-4.1", "vision", "claude", "gemini", "pixtral", "llava"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
