// Package storage persists finished conversations behind a narrow facade.
// Backends (memory, Postgres, SQLite) are interchangeable; nothing upstream
// depends on more than the ThreadStorage contract.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/freva-org/frevagpt/pkg/models"
)

// ErrNotFound is returned when a thread id is unknown to the backend.
var ErrNotFound = errors.New("thread not found")

// ThreadSummary is the listing shape for stored conversations.
type ThreadSummary struct {
	ThreadID   string    `json:"thread_id"`
	UserID     string    `json:"user_id"`
	Topic      string    `json:"topic"`
	UpdatedAt  time.Time `json:"updated_at"`
	EventCount int       `json:"event_count"`
}

// Feedback is a user's verdict on one thread.
type Feedback struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"` // +1 thumbs up, -1 thumbs down
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadStorage is the persistence capability the orchestrator and the HTTP
// boundary rely on.
type ThreadStorage interface {
	// Save persists a conversation. With appendToExisting the events extend
	// any stored ones; otherwise they replace them. A missing topic is
	// derived from the first user turn.
	Save(ctx context.Context, threadID, userID string, conv models.Conversation, appendToExisting bool) error

	// Read returns the ordered events of a thread, ErrNotFound when unknown.
	Read(ctx context.Context, threadID string) (models.Conversation, error)

	// ListRecent returns up to limit summaries for a user, most recently
	// updated first, plus the user's total thread count.
	ListRecent(ctx context.Context, userID string, limit int) ([]ThreadSummary, int, error)

	// Delete removes a thread, reporting whether it existed.
	Delete(ctx context.Context, threadID string) (bool, error)

	// UpdateTopic replaces a thread's topic, reporting whether it existed.
	UpdateTopic(ctx context.Context, threadID, topic string) (bool, error)

	// SearchByTopic runs a prefix-mapped full-text search over topics.
	SearchByTopic(ctx context.Context, userID, query string, limit int) ([]ThreadSummary, error)

	// SearchByVariant searches event text of one variant kind.
	SearchByVariant(ctx context.Context, userID string, variant models.Variant, query string, limit int) ([]ThreadSummary, error)

	// SaveFeedback records a user's feedback for a thread.
	SaveFeedback(ctx context.Context, fb Feedback) error

	// Close releases backend resources.
	Close() error
}
