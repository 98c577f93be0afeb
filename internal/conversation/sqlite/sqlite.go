package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-chat/internal/conversation"
)

// Store implements conversation.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ conversation.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation_seq ON turns(conversation_id, seq);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the conversation row and inserts turns that are not stored yet.
func (s *Store) Save(ctx context.Context, c *conversation.Conversation) error {
	if c == nil || c.ID == "" {
		return errors.New("conversation save requires id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations(id, user_id, title, model_id, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, model_id=excluded.model_id, updated_at=excluded.updated_at`,
		c.ID, c.UserID, c.Title, c.ModelID, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	for i, t := range c.Turns {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO turns(id, conversation_id, seq, role, content, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
			t.ID, c.ID, i, string(t.Role), t.Text, t.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert turn %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Get loads a conversation with its turns in order.
func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	var c conversation.Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, title, model_id, created_at, updated_at
FROM conversations WHERE id = ?`, id).Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, created_at
FROM turns WHERE conversation_id = ?
ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t conversation.Turn
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = conversation.Role(role)
		c.Turns = append(c.Turns, t)
	}
	return &c, rows.Err()
}

// ListByUser returns summaries ordered by most recent update.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]conversation.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, updated_at, model_id
FROM conversations
WHERE user_id = ?
ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []conversation.Summary
	for rows.Next() {
		var sm conversation.Summary
		if err := rows.Scan(&sm.ID, &sm.Title, &sm.UpdatedAt, &sm.ModelID); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its turns.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id)
	return err
}
