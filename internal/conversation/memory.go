package conversation

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store that keeps everything in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Conversation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Conversation)}
}

func (m *MemoryStore) Save(_ context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := c.Clone()
	if prev, ok := m.items[c.ID]; ok {
		merged := prev.Turns
		for _, t := range c.Turns {
			if _, exists := prev.hasTurn(t.ID); !exists {
				merged = append(merged, t)
			}
		}
		next.Turns = merged
	}
	m.items[c.ID] = next
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Summary
	for _, c := range m.items {
		if c.UserID == userID {
			out = append(out, c.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
