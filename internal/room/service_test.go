package room_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	"github.com/koopa0/system-design/14-room-sync/internal/storage"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

// collidingStore 讓每次 Create 都回報 ID 已存在
type collidingStore struct {
	room.Store
	creates int
}

func (s *collidingStore) Create(context.Context, *room.Room) error {
	s.creates++
	return apperrors.ErrRoomExists
}

func TestCreateRoom(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := room.NewService(store, room.DefaultOptions(), logger.Discard())

	r, err := svc.CreateRoom(context.Background(), "game")
	require.NoError(t, err)

	assert.Len(t, r.ID, 4)
	assert.Equal(t, room.StageLobby, r.Stage)
	assert.Equal(t, int64(1), r.Version)
	assert.NotNil(t, r.Members)
	assert.Empty(t, r.Members)
	assert.Equal(t, 2, r.PosLimit)
	assert.WithinDuration(t, r.CreatedAt.Add(7*24*time.Hour), r.ExpiresAt, time.Second)

	stored, err := svc.GetRoom(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ID)
}

func TestCreateRoom_RequiresType(t *testing.T) {
	svc := room.NewService(storage.NewMemoryStore(), room.DefaultOptions(), logger.Discard())

	_, err := svc.CreateRoom(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateRoom_TypeChecker(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := room.NewService(store, room.DefaultOptions(), logger.Discard()).
		WithTypeChecker(func(roomType string) error {
			if roomType != "game" {
				return apperrors.ErrInvalidParam.WithDetails("unsupported game type")
			}
			return nil
		})

	_, err := svc.CreateRoom(context.Background(), "chess")
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, store.Len())

	r, err := svc.CreateRoom(context.Background(), "game")
	require.NoError(t, err)
	assert.Equal(t, "game", r.Type)
}

func TestCreateRoom_RetryBound(t *testing.T) {
	store := &collidingStore{}
	svc := room.NewService(store, room.DefaultOptions(), logger.Discard())

	_, err := svc.CreateRoom(context.Background(), "game")

	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, 3, store.creates)
}

func TestCreateRoom_RecoversFromCollision(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := room.NewService(store, room.DefaultOptions(), logger.Discard())

	ids := []string{"AAAA", "AAAA", "BBBB"}
	calls := 0
	svc.WithIDGenerator(func(int) (string, error) {
		id := ids[calls]
		calls++
		return id, nil
	})

	first, err := svc.CreateRoom(context.Background(), "game")
	require.NoError(t, err)
	assert.Equal(t, "AAAA", first.ID)

	second, err := svc.CreateRoom(context.Background(), "game")
	require.NoError(t, err)
	assert.Equal(t, "BBBB", second.ID)
	assert.Equal(t, 3, calls)
}

func TestCreateRoom_GeneratorFailure(t *testing.T) {
	svc := room.NewService(storage.NewMemoryStore(), room.DefaultOptions(), logger.Discard())
	boom := errors.New("entropy exhausted")
	svc.WithIDGenerator(func(int) (string, error) { return "", boom })

	_, err := svc.CreateRoom(context.Background(), "game")
	assert.ErrorIs(t, err, boom)
}

func TestGetRoom_NotFound(t *testing.T) {
	svc := room.NewService(storage.NewMemoryStore(), room.DefaultOptions(), logger.Discard())

	_, err := svc.GetRoom(context.Background(), "ZZZZ")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = svc.GetRoom(context.Background(), "../x")
	assert.True(t, apperrors.IsNotFound(err))
}
