package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/freva-org/frevagpt/pkg/models"
)

type memoryThread struct {
	userID    string
	topic     string
	events    models.Conversation
	updatedAt time.Time
}

// MemoryStore keeps conversations in process memory. It backs dev mode and
// tests; contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*memoryThread
	feedback []Feedback
	nowFunc  func() time.Time
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*memoryThread),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, threadID, userID string, conv models.Conversation, appendToExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.threads[threadID]
	if !ok {
		existing = &memoryThread{userID: userID}
		s.threads[threadID] = existing
	}

	if appendToExisting {
		existing.events = append(existing.events, cloneConversation(conv)...)
	} else {
		existing.events = cloneConversation(conv)
	}
	if existing.topic == "" {
		existing.topic = DeriveTopic(existing.events)
	}
	existing.userID = userID
	existing.updatedAt = s.nowFunc()
	return nil
}

func (s *MemoryStore) Read(_ context.Context, threadID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(thread.events), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, userID string, limit int) ([]ThreadSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := s.summariesLocked(userID)
	total := len(summaries)
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, total, nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return false, nil
	}
	delete(s.threads, threadID)
	return true, nil
}

func (s *MemoryStore) UpdateTopic(_ context.Context, threadID, topic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return false, nil
	}
	thread.topic = topic
	thread.updatedAt = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) SearchByTopic(_ context.Context, userID, query string, limit int) ([]ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := searchTerms(query)
	var out []ThreadSummary
	for _, summary := range s.summariesLocked(userID) {
		if matchesTerms(summary.Topic, terms) {
			out = append(out, summary)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchByVariant(_ context.Context, userID string, variant models.Variant, query string, limit int) ([]ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := searchTerms(query)
	var out []ThreadSummary
	for _, summary := range s.summariesLocked(userID) {
		thread := s.threads[summary.ThreadID]
		for _, sv := range thread.events {
			if sv.Variant != variant || !matchesTerms(sv.Content, terms) {
				continue
			}
			out = append(out, summary)
			break
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveFeedback(_ context.Context, fb Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.nowFunc()
	}
	s.feedback = append(s.feedback, fb)
	return nil
}

// Feedback returns all recorded feedback, oldest first.
func (s *MemoryStore) Feedback() []Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Feedback, len(s.feedback))
	copy(out, s.feedback)
	return out
}

func (s *MemoryStore) Close() error { return nil }

// summariesLocked returns a user's summaries, most recent first. Callers hold
// at least the read lock.
func (s *MemoryStore) summariesLocked(userID string) []ThreadSummary {
	var out []ThreadSummary
	for id, thread := range s.threads {
		if thread.userID != userID {
			continue
		}
		out = append(out, ThreadSummary{
			ThreadID:   id,
			UserID:     thread.userID,
			Topic:      thread.topic,
			UpdatedAt:  thread.updatedAt,
			EventCount: len(thread.events),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func cloneConversation(conv models.Conversation) models.Conversation {
	out := make(models.Conversation, len(conv))
	copy(out, conv)
	return out
}

// searchTerms lowers and splits a query into prefix terms, mirroring the
// prefix-mapped full-text search of the SQL backends.
func searchTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

func matchesTerms(text string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	words := strings.Fields(strings.ToLower(text))
	for _, term := range terms {
		found := false
		for _, word := range words {
			if strings.HasPrefix(word, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
