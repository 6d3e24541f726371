package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/freva-org/frevagpt/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id   TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	topic       TEXT NOT NULL DEFAULT '',
	events      TEXT NOT NULL DEFAULT '[]',
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS threads_user_updated_idx ON threads (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS thread_feedback (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	score       INTEGER NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
`

// SQLiteStore persists conversations in a local SQLite file. It mirrors the
// Postgres backend with word-prefix LIKE matching in place of tsqueries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates, when absent) a database file.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, threadID, userID string, conv models.Conversation, appendToExisting bool) error {
	encoded, err := models.EncodeConversation(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	if appendToExisting {
		existing, err := s.Read(ctx, threadID)
		if err != nil && err != ErrNotFound {
			return err
		}
		merged := append(existing, conv...)
		if encoded, err = models.EncodeConversation(merged); err != nil {
			return fmt.Errorf("encode conversation: %w", err)
		}
		conv = merged
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, user_id, topic, events, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			user_id    = excluded.user_id,
			topic      = CASE WHEN threads.topic = '' THEN excluded.topic ELSE threads.topic END,
			events     = excluded.events,
			updated_at = excluded.updated_at`,
		threadID, userID, DeriveTopic(conv), string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, threadID string) (models.Conversation, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT events FROM threads WHERE thread_id = ?`, threadID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read thread %s: %w", threadID, err)
	}
	conv, err := models.DecodeConversation(raw)
	if err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, userID string, limit int) ([]ThreadSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, user_id, topic, updated_at, json_array_length(events)
		FROM threads WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM threads WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}
	return summaries, total, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpdateTopic(ctx context.Context, threadID, topic string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET topic = ?, updated_at = ? WHERE thread_id = ?`,
		topic, time.Now().UTC(), threadID)
	if err != nil {
		return false, fmt.Errorf("update topic %s: %w", threadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SearchByTopic(ctx context.Context, userID, query string, limit int) ([]ThreadSummary, error) {
	clause, args := likeClauses("topic", query)
	if clause == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	queryArgs := append([]any{userID}, args...)
	queryArgs = append(queryArgs, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, user_id, topic, updated_at, json_array_length(events)
		FROM threads WHERE user_id = ? AND `+clause+`
		ORDER BY updated_at DESC LIMIT ?`, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("search topics: %w", err)
	}
	return scanSummaries(rows)
}

func (s *SQLiteStore) SearchByVariant(ctx context.Context, userID string, variant models.Variant, query string, limit int) ([]ThreadSummary, error) {
	clause, args := likeClauses("json_extract(e.value, '$.content')", query)
	if clause == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	queryArgs := append([]any{userID, string(variant)}, args...)
	queryArgs = append(queryArgs, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.thread_id, t.user_id, t.topic, t.updated_at, json_array_length(t.events)
		FROM threads t
		WHERE t.user_id = ? AND EXISTS (
			SELECT 1 FROM json_each(t.events) e
			WHERE json_extract(e.value, '$.variant') = ? AND `+clause+`
		)
		ORDER BY t.updated_at DESC LIMIT ?`, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	return scanSummaries(rows)
}

func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_feedback (thread_id, user_id, score, comment, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		fb.ThreadID, fb.UserID, fb.Score, fb.Comment, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// likeClauses ANDs one case-insensitive word-prefix LIKE per query term.
func likeClauses(column, query string) (string, []any) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, "%", "")
		term = strings.ReplaceAll(term, "_", "")
		if term == "" {
			continue
		}
		clauses = append(clauses, "("+column+" LIKE ? OR "+column+" LIKE ?)")
		args = append(args, term+"%", "% "+term+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", args
}
