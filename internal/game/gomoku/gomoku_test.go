package gomoku_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/game"
	"github.com/koopa0/system-design/14-room-sync/internal/game/gomoku"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

func seatedRoom() *room.Room {
	return &room.Room{
		ID:       "GAME",
		Type:     gomoku.Type,
		Stage:    room.StageLobby,
		PosLimit: 2,
		Members: []room.Member{
			{UUID: "spec", Position: 0},
			{UUID: "black", Position: 1},
			{UUID: "white", Position: 2},
		},
		Version: 5,
	}
}

func start(t *testing.T, reg *game.Registry, r *room.Room) *room.Room {
	t.Helper()
	next, err := reg.Start(r)
	require.NoError(t, err)
	return next
}

func decode(t *testing.T, body json.RawMessage) gomoku.State {
	t.Helper()
	var s gomoku.State
	require.NoError(t, json.Unmarshal(body, &s))
	return s
}

func move(t *testing.T, reg *game.Registry, r *room.Room, uuid string, row, col int) error {
	t.Helper()
	_, actor := r.MemberByUUID(uuid)
	args, _ := json.Marshal(gomoku.Position{Row: row, Col: col})
	stage, body, err := reg.Move(r, actor, args)
	if err != nil {
		return err
	}
	r.Stage = stage
	r.Body = body
	return nil
}

func TestStart(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.DefaultConfig()))
	r := start(t, reg, seatedRoom())

	assert.Equal(t, room.StageInGame, r.Stage)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(r.Body, &raw))
	assert.Equal(t, "black", raw["currentPlayerId"])
	assert.Nil(t, raw["winner"])
	assert.Nil(t, raw["undoArgs"])

	s := decode(t, r.Body)
	assert.Len(t, s.Board, 11)
	assert.Len(t, s.Board[0], 11)
}

func TestMove_AlternatesTurns(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.DefaultConfig()))
	r := start(t, reg, seatedRoom())

	require.NoError(t, move(t, reg, r, "black", 5, 5))
	s := decode(t, r.Body)
	assert.Equal(t, 1, s.Board[5][5])
	assert.Equal(t, "white", s.CurrentPlayerID)
	assert.Equal(t, &gomoku.Position{Row: 5, Col: 5}, s.LastMove)

	// 非當前玩家
	err := move(t, reg, r, "black", 0, 0)
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, move(t, reg, r, "white", 0, 0))
	s = decode(t, r.Body)
	assert.Equal(t, 2, s.Board[0][0])
	assert.Equal(t, "black", s.CurrentPlayerID)
	assert.Equal(t, 2, s.Turn)
}

func TestMove_Rejections(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.DefaultConfig()))
	r := start(t, reg, seatedRoom())
	require.NoError(t, move(t, reg, r, "black", 1, 1))

	tests := []struct {
		name     string
		uuid     string
		row, col int
	}{
		{"occupied", "white", 1, 1},
		{"out of board", "white", 11, 0},
		{"negative", "white", -1, 3},
		{"spectator", "spec", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := move(t, reg, r, tt.uuid, tt.row, tt.col)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestMove_Win(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.DefaultConfig()))
	r := start(t, reg, seatedRoom())

	// 黑子在第 0 列連成五子，白子在第 1 列
	for col := 0; col < 4; col++ {
		require.NoError(t, move(t, reg, r, "black", 0, col))
		require.NoError(t, move(t, reg, r, "white", 1, col))
	}
	require.NoError(t, move(t, reg, r, "black", 0, 4))

	assert.Equal(t, room.StageGameOver, r.Stage)
	s := decode(t, r.Body)
	require.NotNil(t, s.Winner)
	assert.Equal(t, "black", *s.Winner)

	// 結束後不能再落子
	r.Stage = room.StageInGame
	err := move(t, reg, r, "white", 5, 5)
	assert.True(t, apperrors.IsValidation(err))
}

func TestMove_DiagonalWin(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.DefaultConfig()))
	r := start(t, reg, seatedRoom())

	for i := 0; i < 4; i++ {
		require.NoError(t, move(t, reg, r, "black", i, i))
		require.NoError(t, move(t, reg, r, "white", i, 10))
	}
	require.NoError(t, move(t, reg, r, "black", 4, 4))
	assert.Equal(t, room.StageGameOver, r.Stage)
}

func TestMove_Draw(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.Config{Rows: 2, Cols: 2, WinLength: 3}))
	r := start(t, reg, seatedRoom())

	require.NoError(t, move(t, reg, r, "black", 0, 0))
	require.NoError(t, move(t, reg, r, "white", 0, 1))
	require.NoError(t, move(t, reg, r, "black", 1, 1))
	require.NoError(t, move(t, reg, r, "white", 1, 0))

	assert.Equal(t, room.StageGameOver, r.Stage)
	s := decode(t, r.Body)
	assert.True(t, s.Draw)
	assert.Nil(t, s.Winner)
}

func TestMove_RequiresInGame(t *testing.T) {
	reg := game.NewRegistry(gomoku.New(gomoku.DefaultConfig()))
	r := seatedRoom()

	err := move(t, reg, r, "black", 0, 0)
	assert.True(t, apperrors.IsValidation(err))
}
