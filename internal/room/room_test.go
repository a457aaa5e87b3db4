package room_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
)

func TestStage_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to room.Stage
		want     bool
	}{
		{room.StageLobby, room.StageInGame, true},
		{room.StageInGame, room.StageGameOver, true},
		{room.StageLobby, room.StageGameOver, false},
		{room.StageInGame, room.StageLobby, false},
		{room.StageGameOver, room.StageLobby, false},
		{room.StageGameOver, room.StageInGame, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStage_Valid(t *testing.T) {
	assert.True(t, room.StageLobby.Valid())
	assert.True(t, room.StageInGame.Valid())
	assert.True(t, room.StageGameOver.Valid())
	assert.False(t, room.Stage("PAUSED").Valid())
}

func sampleRoom() *room.Room {
	return &room.Room{
		ID:       "AbC1",
		Type:     "wuziqi",
		Stage:    room.StageLobby,
		PosLimit: 2,
		Members: []room.Member{
			{UUID: "u1", Name: "Alice", ConnectionID: "c1", Position: 1},
			{UUID: "u2", Name: "Bob", ConnectionID: "", Position: 2},
			{UUID: "u3", Name: "Carol", ConnectionID: "c3", Position: 0},
		},
		Body:    json.RawMessage(`{"turn":1}`),
		Version: 4,
	}
}

func TestRoom_Clone(t *testing.T) {
	r := sampleRoom()
	cp := r.Clone()

	cp.Members[0].Name = "changed"
	cp.Body[2] = 'X'

	assert.Equal(t, "Alice", r.Members[0].Name)
	assert.Equal(t, `{"turn":1}`, string(r.Body))
	assert.Equal(t, r.Version, cp.Version)
}

func TestRoom_Lookups(t *testing.T) {
	r := sampleRoom()

	idx, m := r.MemberByConnection("c3")
	require.NotNil(t, m)
	assert.Equal(t, 2, idx)
	assert.Equal(t, "u3", m.UUID)

	idx, m = r.MemberByConnection("")
	assert.Equal(t, -1, idx)
	assert.Nil(t, m)

	idx, m = r.MemberByUUID("u2")
	require.NotNil(t, m)
	assert.Equal(t, 1, idx)

	_, m = r.MemberByUUID("missing")
	assert.Nil(t, m)

	holder := r.SeatHolder(1)
	require.NotNil(t, holder)
	assert.Equal(t, "u1", holder.UUID)
	assert.Nil(t, r.SeatHolder(room.Spectator))
}

func TestRoom_Counts(t *testing.T) {
	r := sampleRoom()

	assert.Equal(t, 2, r.SeatedCount())
	assert.ElementsMatch(t, []string{"c1", "c3"}, r.Connections())
}

func TestRoom_Expired(t *testing.T) {
	now := time.Now()
	r := &room.Room{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, r.Expired(now))
	assert.True(t, r.Expired(now.Add(2*time.Minute)))
	assert.False(t, (&room.Room{}).Expired(now))
}

func TestRoom_JSONShape(t *testing.T) {
	r := &room.Room{
		ID:       "AbC1",
		Type:     "game",
		Stage:    room.StageLobby,
		PosLimit: 2,
		Members:  []room.Member{},
		Version:  1,
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []any{}, decoded["members"])
	assert.NotContains(t, decoded, "body")
	assert.Contains(t, decoded, "ttl")
}
