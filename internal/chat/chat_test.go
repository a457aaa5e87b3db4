package chat_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/chat"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

func TestMemoryStore_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	store := chat.NewMemoryStore()

	for i := 0; i < 25; i++ {
		_, err := store.Append(ctx, chat.Message{
			RoomID:   "ROOM",
			SenderID: "u1",
			Content:  fmt.Sprintf("msg-%d", i),
		})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, chat.Message{RoomID: "OTHER", SenderID: "u2", Content: "hi"})
	require.NoError(t, err)

	page, err := store.Query(ctx, chat.Query{RoomID: "ROOM"})
	require.NoError(t, err)
	require.Len(t, page, chat.DefaultLimit)
	assert.Equal(t, "msg-24", page[0].Content)
	assert.Equal(t, "msg-5", page[len(page)-1].Content)
	assert.Equal(t, "text", page[0].Type)

	small, err := store.Query(ctx, chat.Query{RoomID: "ROOM", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, small, 3)
}

func TestMemoryStore_QueryBefore(t *testing.T) {
	ctx := context.Background()
	store := chat.NewMemoryStore()

	first, err := store.Append(ctx, chat.Message{RoomID: "ROOM", SenderID: "u1", Content: "old"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := store.Append(ctx, chat.Message{RoomID: "ROOM", SenderID: "u1", Content: "new"})
	require.NoError(t, err)

	page, err := store.Query(ctx, chat.Query{RoomID: "ROOM", Before: second.CreatedAt})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)
}

func TestMemoryStore_Validation(t *testing.T) {
	ctx := context.Background()
	store := chat.NewMemoryStore()

	tests := []struct {
		name string
		msg  chat.Message
	}{
		{"missing room", chat.Message{SenderID: "u1", Content: "x"}},
		{"missing sender", chat.Message{RoomID: "R", Content: "x"}},
		{"missing content", chat.Message{RoomID: "R", SenderID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(ctx, tt.msg)
			assert.True(t, apperrors.IsValidation(err))
		})
	}

	_, err := store.Query(ctx, chat.Query{})
	assert.True(t, apperrors.IsValidation(err))
}

func TestQuery_Normalize(t *testing.T) {
	q, err := chat.Query{RoomID: "R", Limit: 1000}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, chat.MaxLimit, q.Limit)

	q, err = chat.Query{RoomID: "R"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, chat.DefaultLimit, q.Limit)
}
