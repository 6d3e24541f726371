// Package registry tracks live conversations: their state machine, message
// history, tool manager, and in-flight tool tasks. One process-wide instance
// guarded by a single mutex; nothing blocking runs under the lock.
package registry

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/freva-org/frevagpt/internal/observability"
	"github.com/freva-org/frevagpt/internal/storage"
	"github.com/freva-org/frevagpt/internal/toolrpc"
	"github.com/freva-org/frevagpt/pkg/models"
)

// State is the lifecycle phase of an active conversation.
type State string

const (
	StateStreaming State = "STREAMING"
	StateStopping  State = "STOPPING"
	StateEnded     State = "ENDED"
)

const threadIDLength = 32

const threadIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ActiveConversation is the in-memory record for one live thread. Messages
// have a single writer (the orchestrator of that thread); other goroutines
// only read snapshots through the registry.
type ActiveConversation struct {
	ThreadID     string
	UserID       string
	State        State
	Tools        *toolrpc.Manager
	Messages     models.Conversation
	LastActivity time.Time

	toolTasks map[string]context.CancelFunc
}

// Registry is the process-wide thread_id → conversation map.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time

	mu            sync.Mutex
	conversations map[string]*ActiveConversation
}

// New creates an empty registry. metrics may be nil in tests.
func New(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:        logger.With("component", "registry"),
		metrics:       metrics,
		nowFunc:       time.Now,
		conversations: make(map[string]*ActiveConversation),
	}
}

// NewThreadID mints a random 32-character alphanumeric id that is not
// currently registered.
func (r *Registry) NewThreadID() string {
	for {
		id := randomID(threadIDLength)
		r.mu.Lock()
		_, taken := r.conversations[id]
		r.mu.Unlock()
		if !taken {
			return id
		}
	}
}

func randomID(length int) string {
	max := big.NewInt(int64(len(threadIDAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform is broken.
			panic(err)
		}
		buf[i] = threadIDAlphabet[n.Int64()]
	}
	return string(buf)
}

// Initialize registers a conversation in state STREAMING. Re-initializing an
// existing thread resets its state and history (explicit re-entry after
// ENDED). When restored messages contain Code events a background replay
// re-executes them through the tool manager to rebuild interpreter state.
func (r *Registry) Initialize(ctx context.Context, threadID, userID string, messages models.Conversation, tools *toolrpc.Manager) *ActiveConversation {
	conv := &ActiveConversation{
		ThreadID:     threadID,
		UserID:       userID,
		State:        StateStreaming,
		Tools:        tools,
		Messages:     append(models.Conversation(nil), messages...),
		LastActivity: r.nowFunc(),
		toolTasks:    make(map[string]context.CancelFunc),
	}

	r.mu.Lock()
	r.conversations[threadID] = conv
	count := len(r.conversations)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConversations.Set(float64(count))
	}

	if tools != nil && hasCode(messages) {
		r.spawnReplay(ctx, threadID, messages, tools)
	}
	return conv
}

// Add appends events to a conversation's history and bumps its activity
// clock. Reports whether the thread was found.
func (r *Registry) Add(threadID string, events ...models.StreamVariant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[threadID]
	if !ok {
		return false
	}
	conv.Messages = append(conv.Messages, events...)
	conv.LastActivity = r.nowFunc()
	return true
}

// GetState returns the conversation state, or "" when unknown.
func (r *Registry) GetState(threadID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[threadID]
	if !ok {
		return "", false
	}
	return conv.State, true
}

// GetToolManager returns the conversation's tool manager, nil when unknown.
func (r *Registry) GetToolManager(threadID string) *toolrpc.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv, ok := r.conversations[threadID]; ok {
		return conv.Tools
	}
	return nil
}

// GetMessages returns a snapshot of the conversation history.
func (r *Registry) GetMessages(threadID string) (models.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[threadID]
	if !ok {
		return nil, false
	}
	return append(models.Conversation(nil), conv.Messages...), true
}

// RequestStop moves a conversation to STOPPING. Reports whether the thread
// was found.
func (r *Registry) RequestStop(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[threadID]
	if !ok {
		return false
	}
	if conv.State == StateStreaming {
		conv.State = StateStopping
	}
	return true
}

// EndAndSave marks a conversation ENDED and persists its history. The
// snapshot is taken under the lock; storage I/O happens after release. The
// snapshot is repaired first so an interrupted tool call never persists a
// Code event without its matching CodeOutput.
func (r *Registry) EndAndSave(ctx context.Context, threadID string, store storage.ThreadStorage) error {
	r.mu.Lock()
	conv, ok := r.conversations[threadID]
	var userID string
	var snapshot models.Conversation
	if ok {
		conv.State = StateEnded
		userID = conv.UserID
		snapshot = append(models.Conversation(nil), conv.Messages...)
	}
	r.mu.Unlock()

	if !ok || store == nil {
		return nil
	}
	return store.Save(ctx, threadID, userID, models.Cleanup(snapshot, false), false)
}

// Remove deletes a conversation and closes its tool sessions. Reports
// whether an entry was removed.
func (r *Registry) Remove(threadID string) bool {
	r.mu.Lock()
	conv, ok := r.conversations[threadID]
	if ok {
		delete(r.conversations, threadID)
	}
	count := len(r.conversations)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConversations.Set(float64(count))
	}
	if ok && conv.Tools != nil {
		conv.Tools.Close()
	}
	return ok
}

// RegisterToolTask records a cancellable in-flight tool task.
func (r *Registry) RegisterToolTask(threadID, taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv, ok := r.conversations[threadID]; ok {
		conv.toolTasks[taskID] = cancel
	}
}

// UnregisterToolTask drops a finished tool task.
func (r *Registry) UnregisterToolTask(threadID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv, ok := r.conversations[threadID]; ok {
		delete(conv.toolTasks, taskID)
	}
}

// CancelToolTasks cancels every in-flight tool task of a conversation.
func (r *Registry) CancelToolTasks(threadID string) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	if conv, ok := r.conversations[threadID]; ok {
		for id, cancel := range conv.toolTasks {
			cancels = append(cancels, cancel)
			delete(conv.toolTasks, id)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Len reports the number of registered conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}

// CleanupIdle evicts conversations whose last activity is older than
// maxIdle. Victims are collected and popped under the lock; tool-session
// teardown and persistence run afterwards. Returns the evicted thread ids.
func (r *Registry) CleanupIdle(ctx context.Context, maxIdle time.Duration, store storage.ThreadStorage) []string {
	now := r.nowFunc()

	type victim struct {
		threadID string
		userID   string
		tools    *toolrpc.Manager
		snapshot models.Conversation
	}

	r.mu.Lock()
	var victims []victim
	for id, conv := range r.conversations {
		if now.Sub(conv.LastActivity) <= maxIdle {
			continue
		}
		conv.State = StateEnded
		victims = append(victims, victim{
			threadID: id,
			userID:   conv.UserID,
			tools:    conv.Tools,
			snapshot: append(models.Conversation(nil), conv.Messages...),
		})
		delete(r.conversations, id)
	}
	count := len(r.conversations)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConversations.Set(float64(count))
	}

	evicted := make([]string, 0, len(victims))
	for _, v := range victims {
		if v.tools != nil {
			v.tools.Close()
		}
		if store != nil {
			if err := store.Save(ctx, v.threadID, v.userID, models.Cleanup(v.snapshot, false), false); err != nil {
				r.logger.Warn("evicted conversation not persisted", "thread_id", v.threadID, "error", err)
			}
		}
		if r.metrics != nil {
			r.metrics.Evictions.Inc()
		}
		evicted = append(evicted, v.threadID)
	}
	if len(evicted) > 0 {
		r.logger.Info("idle conversations evicted", "count", len(evicted))
	}
	return evicted
}

// MarkAllStopping flips every STREAMING conversation to STOPPING. Used
// during shutdown so orchestrators drain at their next state probe.
func (r *Registry) MarkAllStopping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.conversations {
		if conv.State == StateStreaming {
			conv.State = StateStopping
		}
	}
}

func hasCode(conv models.Conversation) bool {
	for _, sv := range conv {
		if sv.Variant == models.VariantCode {
			return true
		}
	}
	return false
}

// spawnReplay re-executes historical code blocks through the code
// interpreter so its kernel state matches the stored conversation. Failures
// are logged and never abort the resume.
func (r *Registry) spawnReplay(ctx context.Context, threadID string, messages models.Conversation, tools *toolrpc.Manager) {
	taskID := "replay-" + threadID
	replayCtx, cancel := context.WithCancel(ctx)
	r.RegisterToolTask(threadID, taskID, cancel)

	go func() {
		defer r.UnregisterToolTask(threadID, taskID)
		defer cancel()

		for _, sv := range messages {
			if sv.Variant != models.VariantCode {
				continue
			}
			code := sv.CodeText()
			if code == "" {
				continue
			}
			args := map[string]any{"code": code}
			if _, err := tools.CallTool(replayCtx, "", models.ToolCodeInterpreter, args, nil); err != nil {
				r.logger.Warn("code replay failed", "thread_id", threadID, "call_id", sv.ID, "error", err)
				if replayCtx.Err() != nil {
					return
				}
			}
		}
		r.logger.Debug("code replay finished", "thread_id", threadID)
	}()
}
