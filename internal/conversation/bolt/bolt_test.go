package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chat/internal/conversation"
)

func TestBoltStore(t *testing.T) {
	ctx := context.Background()
	store, err := New(filepath.Join(t.TempDir(), "conv", "chat.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	c := &conversation.Conversation{ID: "c1", UserID: "user-1", Title: conversation.DefaultTitle, CreatedAt: now, UpdatedAt: now,
		Turns: []conversation.Turn{{ID: "u1", Role: conversation.RoleUser, Text: "hi", CreatedAt: now}}}
	require.NoError(t, store.Save(ctx, c))

	// A stale snapshot missing u1 must not erase it.
	stale := &conversation.Conversation{ID: "c1", UserID: "user-1", Title: "hi", CreatedAt: now, UpdatedAt: now.Add(time.Second),
		Turns: []conversation.Turn{{ID: "t1", Role: conversation.RoleAssistant, Text: "hello", CreatedAt: now}}}
	require.NoError(t, store.Save(ctx, stale))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, "u1", got.Turns[0].ID)
	assert.Equal(t, "hi", got.Title)

	require.NoError(t, store.Save(ctx, &conversation.Conversation{ID: "c2", UserID: "user-1", Title: "b", UpdatedAt: now.Add(time.Hour)}))
	list, err := store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID)

	require.NoError(t, store.Delete(ctx, "c2"))
	_, err = store.Get(ctx, "c2")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	list, err = store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.ErrorIs(t, store.Delete(ctx, "c2"), conversation.ErrNotFound)
}
