package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/tokligence-chat/internal/conversation"
)

// Store implements conversation.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ conversation.Store = (*Store)(nil)

// Options tunes the connection pool. Driver is "pgx" (default) or "postgres" for lib/pq.
type Options struct {
	Driver          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed conversation store.
func New(dsn string, opts Options) (*Store, error) {
	driver := opts.Driver
	switch driver {
	case "":
		driver = "pgx"
	case "pgx", "postgres":
	default:
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at DESC) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

// Save upserts the conversation and bulk-inserts unseen turns with a single unnest statement.
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
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT(id) DO UPDATE SET title=EXCLUDED.title, model_id=EXCLUDED.model_id, updated_at=EXCLUDED.updated_at, deleted_at=NULL`,
		c.ID, c.UserID, c.Title, c.ModelID, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if len(c.Turns) > 0 {
		ids := make([]string, len(c.Turns))
		seqs := make([]int64, len(c.Turns))
		roles := make([]string, len(c.Turns))
		contents := make([]string, len(c.Turns))
		created := make([]int64, len(c.Turns))
		for i, t := range c.Turns {
			ids[i], seqs[i], roles[i], contents[i] = t.ID, int64(i), string(t.Role), t.Text
			created[i] = t.CreatedAt.UTC().UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO turns(id, conversation_id, seq, role, content, created_at)
SELECT u.id, $1, u.seq, u.role, u.content, to_timestamp(u.created_ms / 1000.0)
FROM unnest($2::text[], $3::bigint[], $4::text[], $5::text[], $6::bigint[]) AS u(id, seq, role, content, created_ms)
ON CONFLICT(id) DO NOTHING`,
			c.ID, pq.Array(ids), pq.Array(seqs), pq.Array(roles), pq.Array(contents), pq.Array(created),
		); err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}
	}
	return tx.Commit()
}

// Get loads a conversation with its turns in order.
func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	var c conversation.Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, title, model_id, created_at, updated_at
FROM conversations WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, created_at
FROM turns WHERE conversation_id = $1
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
WHERE user_id = $1 AND deleted_at IS NULL
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

// Delete soft-deletes a conversation. Turns are kept until the row is purged.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

// Purge permanently removes conversations soft-deleted before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
