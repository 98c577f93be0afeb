package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chat/internal/conversation"
)

type countingStore struct {
	*conversation.MemoryStore
	mu    sync.Mutex
	saves int
}

func (c *countingStore) Save(ctx context.Context, conv *conversation.Conversation) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.MemoryStore.Save(ctx, conv)
}

func TestPersisterCoalescesAndFlushes(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: conversation.NewMemoryStore()}
	p := New(store, Config{Workers: 2, FlushInterval: time.Hour})
	t.Cleanup(func() { _ = p.Close() })

	c := &conversation.Conversation{ID: "c1", UserID: "u", Title: conversation.DefaultTitle}
	require.NoError(t, p.Persist(ctx, c))
	c.Title = "second"
	c.Turns = append(c.Turns, conversation.Turn{ID: "t1", Role: conversation.RoleAssistant, Text: "x"})
	require.NoError(t, p.Persist(ctx, c))

	require.NoError(t, p.Flush(ctx))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
	assert.Len(t, got.Turns, 1)
	store.mu.Lock()
	assert.Equal(t, 1, store.saves)
	store.mu.Unlock()
}

func TestPersisterSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	p := New(store, Config{Workers: 1, FlushInterval: time.Hour})
	t.Cleanup(func() { _ = p.Close() })

	c := &conversation.Conversation{ID: "c1", UserID: "u", Title: "before"}
	require.NoError(t, p.Persist(ctx, c))
	c.Title = "mutated after persist"
	require.NoError(t, p.Flush(ctx))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "before", got.Title)
}

func TestPersisterCloseDrains(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	p := New(store, Config{Workers: 3, FlushInterval: time.Hour})
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Persist(ctx, &conversation.Conversation{ID: id, UserID: "u"}))
	}
	require.NoError(t, p.Close())
	list, err := store.ListByUser(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, list, 4)

	// After Close writes go straight through.
	require.NoError(t, p.Persist(ctx, &conversation.Conversation{ID: "e", UserID: "u"}))
	_, err = store.Get(ctx, "e")
	assert.NoError(t, err)
}
