package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/freva-org/frevagpt/pkg/models"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id   TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	topic       TEXT NOT NULL DEFAULT '',
	events      JSONB NOT NULL DEFAULT '[]',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS threads_user_updated_idx ON threads (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS thread_feedback (
	id          BIGSERIAL PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	score       INT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore persists conversations in Postgres. Events are stored as one
// JSONB document per thread; search uses simple-dictionary tsqueries with
// prefix matching.
type PostgresStore struct {
	db *sql.DB

	saveStmt          *sql.Stmt
	readStmt          *sql.Stmt
	listStmt          *sql.Stmt
	countStmt         *sql.Stmt
	deleteStmt        *sql.Stmt
	topicStmt         *sql.Stmt
	searchTopicStmt   *sql.Stmt
	searchVariantStmt *sql.Stmt
	feedbackStmt      *sql.Stmt
}

// NewPostgresStore connects, applies the schema, and prepares statements.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) prepare(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.saveStmt, `
			INSERT INTO threads (thread_id, user_id, topic, events, updated_at)
			VALUES ($1, $2, $3, $4::jsonb, now())
			ON CONFLICT (thread_id) DO UPDATE SET
				user_id    = EXCLUDED.user_id,
				topic      = CASE WHEN threads.topic = '' THEN EXCLUDED.topic ELSE threads.topic END,
				events     = CASE WHEN $5 THEN threads.events || EXCLUDED.events ELSE EXCLUDED.events END,
				updated_at = now()`},
		{&s.readStmt, `SELECT events FROM threads WHERE thread_id = $1`},
		{&s.listStmt, `
			SELECT thread_id, user_id, topic, updated_at, jsonb_array_length(events)
			FROM threads WHERE user_id = $1
			ORDER BY updated_at DESC LIMIT $2`},
		{&s.countStmt, `SELECT count(*) FROM threads WHERE user_id = $1`},
		{&s.deleteStmt, `DELETE FROM threads WHERE thread_id = $1`},
		{&s.topicStmt, `UPDATE threads SET topic = $2, updated_at = now() WHERE thread_id = $1`},
		{&s.searchTopicStmt, `
			SELECT thread_id, user_id, topic, updated_at, jsonb_array_length(events)
			FROM threads
			WHERE user_id = $1 AND to_tsvector('simple', topic) @@ to_tsquery('simple', $2)
			ORDER BY updated_at DESC LIMIT $3`},
		{&s.searchVariantStmt, `
			SELECT t.thread_id, t.user_id, t.topic, t.updated_at, jsonb_array_length(t.events)
			FROM threads t
			WHERE t.user_id = $1 AND EXISTS (
				SELECT 1 FROM jsonb_array_elements(t.events) e
				WHERE e->>'variant' = $2
				  AND to_tsvector('simple', coalesce(e->>'content', '')) @@ to_tsquery('simple', $3)
			)
			ORDER BY t.updated_at DESC LIMIT $4`},
		{&s.feedbackStmt, `
			INSERT INTO thread_feedback (thread_id, user_id, score, comment, created_at)
			VALUES ($1, $2, $3, $4, $5)`},
	}
	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		*st.dst = prepared
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, threadID, userID string, conv models.Conversation, appendToExisting bool) error {
	encoded, err := models.EncodeConversation(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	topic := DeriveTopic(conv)
	if _, err := s.saveStmt.ExecContext(ctx, threadID, userID, topic, string(encoded), appendToExisting); err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, threadID string) (models.Conversation, error) {
	var raw []byte
	err := s.readStmt.QueryRowContext(ctx, threadID).Scan(&raw)
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

func (s *PostgresStore) ListRecent(ctx context.Context, userID string, limit int) ([]ThreadSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.listStmt.QueryContext(ctx, userID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.countStmt.QueryRowContext(ctx, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}
	return summaries, total, nil
}

func (s *PostgresStore) Delete(ctx context.Context, threadID string) (bool, error) {
	res, err := s.deleteStmt.ExecContext(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) UpdateTopic(ctx context.Context, threadID, topic string) (bool, error) {
	res, err := s.topicStmt.ExecContext(ctx, threadID, topic)
	if err != nil {
		return false, fmt.Errorf("update topic %s: %w", threadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) SearchByTopic(ctx context.Context, userID, query string, limit int) ([]ThreadSummary, error) {
	ts := prefixQuery(query)
	if ts == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.searchTopicStmt.QueryContext(ctx, userID, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("search topics: %w", err)
	}
	return scanSummaries(rows)
}

func (s *PostgresStore) SearchByVariant(ctx context.Context, userID string, variant models.Variant, query string, limit int) ([]ThreadSummary, error) {
	ts := prefixQuery(query)
	if ts == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.searchVariantStmt.QueryContext(ctx, userID, string(variant), ts, limit)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	return scanSummaries(rows)
}

func (s *PostgresStore) SaveFeedback(ctx context.Context, fb Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}
	if _, err := s.feedbackStmt.ExecContext(ctx, fb.ThreadID, fb.UserID, fb.Score, fb.Comment, fb.CreatedAt); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.saveStmt, s.readStmt, s.listStmt, s.countStmt, s.deleteStmt,
		s.topicStmt, s.searchTopicStmt, s.searchVariantStmt, s.feedbackStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func scanSummaries(rows *sql.Rows) ([]ThreadSummary, error) {
	defer rows.Close()
	var out []ThreadSummary
	for rows.Next() {
		var s ThreadSummary
		if err := rows.Scan(&s.ThreadID, &s.UserID, &s.Topic, &s.UpdatedAt, &s.EventCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// prefixQuery maps a free-text query to a tsquery where every term matches as
// a prefix: "temp anom" becomes "temp:* & anom:*".
func prefixQuery(query string) string {
	var terms []string
	for _, field := range strings.Fields(query) {
		field = strings.Map(func(r rune) rune {
			if r == '\'' || r == '&' || r == '|' || r == '!' || r == '(' || r == ')' || r == ':' {
				return -1
			}
			return r
		}, field)
		if field != "" {
			terms = append(terms, field+":*")
		}
	}
	return strings.Join(terms, " & ")
}
