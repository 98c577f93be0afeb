package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tokligence/tokligence-chat/internal/conversation"
)

var (
	bucketConversations = []byte("conversations")
	bucketUserIndex     = []byte("user_index")
)

// Store implements conversation.Store on a single BoltDB file.
// Each conversation is one JSON value; user_index holds one nested bucket per user.
type Store struct {
	db *bbolt.DB
}

var _ conversation.Store = (*Store)(nil)

// New opens (or creates) the BoltDB file at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUserIndex)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping opens a read transaction to prove the file is usable.
func (s *Store) Ping(_ context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save merges c into the stored record, appending turns not seen before.
func (s *Store) Save(_ context.Context, c *conversation.Conversation) error {
	if c == nil || c.ID == "" {
		return errors.New("conversation save requires id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		next := c.Clone()
		if raw := b.Get([]byte(c.ID)); raw != nil {
			var prev conversation.Conversation
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode %s: %w", c.ID, err)
			}
			seen := make(map[string]struct{}, len(prev.Turns))
			for _, t := range prev.Turns {
				seen[t.ID] = struct{}{}
			}
			merged := prev.Turns
			for _, t := range c.Turns {
				if _, ok := seen[t.ID]; !ok {
					merged = append(merged, t)
				}
			}
			next.Turns = merged
		}
		enc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(c.ID), enc); err != nil {
			return err
		}
		users, err := tx.Bucket(bucketUserIndex).CreateBucketIfNotExists([]byte(c.UserID))
		if err != nil {
			return err
		}
		return users.Put([]byte(c.ID), []byte{})
	})
}

// Get returns the stored conversation.
func (s *Store) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	var out *conversation.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketConversations).Get([]byte(id))
		if raw == nil {
			return conversation.ErrNotFound
		}
		var c conversation.Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode %s: %w", id, err)
		}
		out = &c
		return nil
	})
	return out, err
}

// ListByUser walks the user's index bucket. Malformed records are skipped.
func (s *Store) ListByUser(_ context.Context, userID string) ([]conversation.Summary, error) {
	var out []conversation.Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUserIndex).Bucket([]byte(userID))
		if users == nil {
			return nil
		}
		convs := tx.Bucket(bucketConversations)
		return users.ForEach(func(k, _ []byte) error {
			raw := convs.Get(k)
			if raw == nil {
				return nil
			}
			var c conversation.Conversation
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil
			}
			out = append(out, c.Summary())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes the conversation and its index entry.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		raw := b.Get([]byte(id))
		if raw == nil {
			return conversation.ErrNotFound
		}
		var c conversation.Conversation
		if err := json.Unmarshal(raw, &c); err == nil {
			if users := tx.Bucket(bucketUserIndex).Bucket([]byte(c.UserID)); users != nil {
				if err := users.Delete([]byte(id)); err != nil {
					return err
				}
			}
		}
		return b.Delete([]byte(id))
	})
}
