package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository keeps conversations in memory and checkpoints them to a Store.
//
// Mutations (AppendTurn, UpdateTitle) only touch memory; Persist hands a
// snapshot to the configured Persister. Reads prefer memory so that a
// conversation stays usable even when a persist fails.
type Repository struct {
	store     Store
	persister Persister
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]*Conversation
}

// RepositoryOption customises a Repository.
type RepositoryOption func(*Repository)

// WithPersister routes Persist through p instead of writing to the store inline.
func WithPersister(p Persister) RepositoryOption {
	return func(r *Repository) { r.persister = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// NewRepository wraps store.
func NewRepository(store Store, opts ...RepositoryOption) *Repository {
	r := &Repository{store: store, now: func() time.Time { return time.Now().UTC() }, cache: make(map[string]*Conversation)}
	for _, opt := range opts {
		opt(r)
	}
	if r.persister == nil {
		r.persister = storePersister{store}
	}
	return r
}

type storePersister struct{ store Store }

func (p storePersister) Persist(ctx context.Context, c *Conversation) error {
	return p.store.Save(ctx, c)
}

// Create starts an empty conversation and stores it immediately.
func (r *Repository) Create(ctx context.Context, userID, modelID string) (*Conversation, error) {
	now := r.now()
	c := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     DefaultTitle,
		ModelID:   modelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("conversation: create: %w", err)
	}
	r.mu.Lock()
	r.cache[c.ID] = c
	r.mu.Unlock()
	return c.Clone(), nil
}

// Get returns a copy of the conversation.
func (r *Repository) Get(ctx context.Context, id string) (*Conversation, error) {
	c, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return c.Clone(), nil
}

// load returns the cached pointer, filling the cache from the store on a miss.
func (r *Repository) load(ctx context.Context, id string) (*Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	c, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	stored, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[id]; ok {
		return c, nil
	}
	r.cache[id] = stored
	return stored, nil
}

// List returns the user's conversations, most recently updated first.
// Unpersisted in-memory changes take precedence over stored rows.
func (r *Repository) List(ctx context.Context, userID string) ([]Summary, error) {
	stored, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	byID := make(map[string]Summary, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
	}
	r.mu.RLock()
	for _, c := range r.cache {
		if c.UserID == userID {
			byID[c.ID] = c.Summary()
		}
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes the conversation from memory and the store.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
	if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("conversation: delete: %w", err)
	}
	return nil
}

// AppendTurn adds a turn in memory. A zero ID or CreatedAt is filled in.
// Appending a turn whose ID already exists returns the stored turn unchanged.
func (r *Repository) AppendTurn(ctx context.Context, conversationID string, turn Turn) (Turn, error) {
	c, err := r.load(ctx, conversationID)
	if err != nil {
		return Turn{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	} else if existing, ok := c.hasTurn(turn.ID); ok {
		return existing, nil
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = r.now()
	}
	c.Turns = append(c.Turns, turn)
	c.UpdatedAt = r.now()
	return turn, nil
}

// UpdateTitle renames the conversation in memory.
func (r *Repository) UpdateTitle(ctx context.Context, conversationID, title string) error {
	c, err := r.load(ctx, conversationID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Title = title
	c.UpdatedAt = r.now()
	return nil
}

// LatestTurns returns the conversation history in order.
func (r *Repository) LatestTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	c, err := r.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Turn(nil), c.Turns...), nil
}

// Persist checkpoints the current in-memory state.
func (r *Repository) Persist(ctx context.Context, conversationID string) error {
	c, err := r.load(ctx, conversationID)
	if err != nil {
		return err
	}
	r.mu.RLock()
	snapshot := c.Clone()
	r.mu.RUnlock()
	if err := r.persister.Persist(ctx, snapshot); err != nil {
		return fmt.Errorf("conversation: persist %s: %w", conversationID, err)
	}
	return nil
}
