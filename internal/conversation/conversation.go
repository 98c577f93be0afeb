package conversation

import (
	"context"
	"errors"
	"time"
)

// DefaultTitle is assigned to new conversations until the first exchange names them.
const DefaultTitle = "New Chat"

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is the durable, append-only history owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	ModelID   string    `json:"modelId"`
	Turns     []Turn    `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the list view of a conversation.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
	ModelID   string    `json:"modelId"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	return &out
}

// LastTurn returns the most recent turn, if any.
func (c *Conversation) LastTurn() (Turn, bool) {
	if len(c.Turns) == 0 {
		return Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// FirstUserTurn returns the earliest user turn, if any.
func (c *Conversation) FirstUserTurn() (Turn, bool) {
	for _, t := range c.Turns {
		if t.Role == RoleUser {
			return t, true
		}
	}
	return Turn{}, false
}

// Summary projects the conversation into its list view.
func (c *Conversation) Summary() Summary {
	return Summary{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt, ModelID: c.ModelID}
}

func (c *Conversation) hasTurn(id string) (Turn, bool) {
	for _, t := range c.Turns {
		if t.ID == id {
			return t, true
		}
	}
	return Turn{}, false
}

// Store defines durable persistence for conversations.
//
// Save upserts the conversation header and inserts any turns not yet stored.
// Turns already present (by id) are left untouched, so Save is safe to repeat.
type Store interface {
	Save(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Persister is the durability checkpoint used by Repository.Persist.
type Persister interface {
	Persist(ctx context.Context, c *Conversation) error
}
