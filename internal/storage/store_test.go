// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lightertomorrow/coachkit/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AppendAndAllMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := uuid.New()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// Insert out of timestamp order; reads must sort.
	msgs := []model.Message{
		{ID: uuid.New(), ConversationID: conv, Role: model.RoleAssistant, Content: "third", Timestamp: base.Add(2 * time.Minute)},
		{ID: uuid.New(), ConversationID: conv, Role: model.RoleUser, Content: "first", Timestamp: base},
		{ID: uuid.New(), ConversationID: conv, Role: model.RoleAssistant, Content: "second", Timestamp: base.Add(time.Minute)},
	}
	for _, m := range msgs {
		require.NoError(t, store.Append(ctx, m))
	}

	all, err := store.AllMessages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "first", all[0].Content)
	require.Equal(t, "second", all[1].Content)
	require.Equal(t, "third", all[2].Content)

	for i := 1; i < len(all); i++ {
		require.False(t, all[i].Timestamp.Before(all[i-1].Timestamp),
			"timestamps must be non-decreasing on read")
	}
}

func TestStore_AppendInvalidMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Append(ctx, model.Message{Role: model.RoleUser, Content: "no id"})
	require.Error(t, err)
	require.True(t, IsPersistenceError(err))

	err = store.Append(ctx, model.Message{ID: uuid.New(), ConversationID: uuid.New(), Role: "ghost", Content: "bad role"})
	require.Error(t, err)
	require.True(t, IsPersistenceError(err))
}

func TestStore_MessagesForConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	convA := uuid.New()
	convB := uuid.New()

	require.NoError(t, store.Append(ctx, model.NewUserMessage(convA, "a")))
	require.NoError(t, store.Append(ctx, model.NewUserMessage(convB, "b")))
	require.NoError(t, store.Append(ctx, model.NewAssistantMessage(convA, "a reply")))

	got, err := store.MessagesForConversation(ctx, convA)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, m := range got {
		require.Equal(t, convA, m.ConversationID)
	}
}

func TestStore_MessagesInRange_Buffer(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := uuid.New()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// A message 500ms before the query start still falls inside the 1s buffer.
	early := model.Message{ID: uuid.New(), ConversationID: conv, Role: model.RoleUser, Content: "early", Timestamp: base.Add(-500 * time.Millisecond)}
	inside := model.Message{ID: uuid.New(), ConversationID: conv, Role: model.RoleAssistant, Content: "inside", Timestamp: base.Add(time.Minute)}
	far := model.Message{ID: uuid.New(), ConversationID: conv, Role: model.RoleUser, Content: "far", Timestamp: base.Add(time.Hour)}

	for _, m := range []model.Message{early, inside, far} {
		require.NoError(t, store.Append(ctx, m))
	}

	got, err := store.MessagesInRange(ctx, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "early", got[0].Content)
	require.Equal(t, "inside", got[1].Content)
}

func TestStore_DeleteConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	convA := uuid.New()
	convB := uuid.New()

	require.NoError(t, store.Append(ctx, model.NewUserMessage(convA, "a1")))
	require.NoError(t, store.Append(ctx, model.NewAssistantMessage(convA, "a2")))
	require.NoError(t, store.Append(ctx, model.NewUserMessage(convB, "b1")))

	require.NoError(t, store.DeleteConversation(ctx, convA))

	all, err := store.AllMessages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, convB, all[0].ConversationID)
}

func TestStore_DeleteAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, model.NewUserMessage(uuid.New(), "msg")))
	}

	require.NoError(t, store.DeleteAll(ctx))

	all, err := store.AllMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStore_GroupedConversations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	morning := uuid.New()
	afternoon := uuid.New()

	msgs := []model.Message{
		{ID: uuid.New(), ConversationID: morning, Role: model.RoleUser, Content: "m", Timestamp: day.Add(9 * time.Hour)},
		{ID: uuid.New(), ConversationID: afternoon, Role: model.RoleUser, Content: "a", Timestamp: day.Add(15 * time.Hour)},
	}
	for _, m := range msgs {
		require.NoError(t, store.Append(ctx, m))
	}

	groups, err := store.GroupedConversations(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, afternoon, groups[0].ConversationID, "later-starting conversation sorts first")
}

func TestStore_RoundTripPreservesContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := uuid.New()

	original := model.NewUserMessage(conv, "unicode content: héllo wörld 🌱")
	require.NoError(t, store.Append(ctx, original))

	all, err := store.AllMessages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, original.ID, all[0].ID)
	require.Equal(t, original.Content, all[0].Content)
	require.True(t, original.Timestamp.Equal(all[0].Timestamp))
}
