// Package game 遊戲引擎介面與依房間類型的分派
//
// 每種遊戲擁有自己的 body 結構與落子規則，
// 房間與路由層只經由 Engine / State 介面操作 body，不直接解析。
package game

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Engine 一種遊戲類型
type Engine interface {
	// Type 對應 Room.Type
	Type() string
	// SeatCounts 支援的座位數（posLimit）
	SeatCounts() []int
	// Start 產生開局狀態，呼叫前座位已檢查完畢
	Start(r *room.Room) (State, error)
	// Decode 從 body 還原狀態
	Decode(body json.RawMessage) (State, error)
}

// State 一局遊戲的狀態
type State interface {
	// Move 套用一步，actor 必須是目前輪到的玩家
	Move(r *room.Room, actor *room.Member, args json.RawMessage) error
	// Finished 是否已分出勝負或和局
	Finished() bool
	// Encode 序列化為 body
	Encode() (json.RawMessage, error)
}

// Registry 房間類型 → 引擎
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry 創建引擎註冊表
func NewRegistry(engines ...Engine) *Registry {
	reg := &Registry{engines: make(map[string]Engine)}
	for _, e := range engines {
		reg.Register(e)
	}
	return reg
}

// Register 註冊引擎，可附帶別名
func (reg *Registry) Register(e Engine, aliases ...string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.engines[e.Type()] = e
	for _, alias := range aliases {
		reg.engines[alias] = e
	}
}

// Lookup 依房間類型取得引擎
func (reg *Registry) Lookup(roomType string) (Engine, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	e, ok := reg.engines[roomType]
	if !ok {
		return nil, apperrors.ErrInvalidParam.WithDetails(fmt.Sprintf("unsupported game type %q", roomType))
	}
	return e, nil
}

// Check 房間類型是否有對應的引擎
func (reg *Registry) Check(roomType string) error {
	_, err := reg.Lookup(roomType)
	return err
}

// Types 已註冊的類型（含別名）
func (reg *Registry) Types() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	types := make([]string, 0, len(reg.engines))
	for t := range reg.engines {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start 開局
//
// 前置條件：
//   - stage = LOBBY
//   - 已入座人數恰好等於 posLimit
//   - 1 號座位有人（先手）
//   - 引擎支援此座位數
//
// 返回的房間為副本：stage = INGAME，body 為開局狀態。
func (reg *Registry) Start(r *room.Room) (*room.Room, error) {
	if !r.Stage.CanTransitionTo(room.StageInGame) {
		return nil, apperrors.ErrInvalidParam.WithDetails("game already started")
	}

	e, err := reg.Lookup(r.Type)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(e.SeatCounts(), r.PosLimit) {
		return nil, apperrors.ErrInvalidParam.WithDetails(
			fmt.Sprintf("%s does not support %d seats", e.Type(), r.PosLimit))
	}
	if seated := r.SeatedCount(); seated != r.PosLimit {
		return nil, apperrors.ErrInvalidParam.WithDetails(
			fmt.Sprintf("need %d seated members, have %d", r.PosLimit, seated))
	}
	if r.SeatHolder(1) == nil {
		return nil, apperrors.ErrInvalidParam.WithDetails("seat 1 is empty")
	}

	state, err := e.Start(r)
	if err != nil {
		return nil, err
	}
	body, err := state.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode initial state: %w", err)
	}

	next := r.Clone()
	next.Stage = room.StageInGame
	next.Body = body
	return next, nil
}

// Move 落子，返回新的 stage 與 body
func (reg *Registry) Move(r *room.Room, actor *room.Member, args json.RawMessage) (room.Stage, json.RawMessage, error) {
	if r.Stage != room.StageInGame {
		return "", nil, apperrors.ErrInvalidParam.WithDetails("game is not in progress")
	}

	e, err := reg.Lookup(r.Type)
	if err != nil {
		return "", nil, err
	}
	state, err := e.Decode(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("decode game state: %w", err)
	}
	if state.Finished() {
		return "", nil, apperrors.ErrInvalidParam.WithDetails("game is over")
	}

	if err := state.Move(r, actor, args); err != nil {
		return "", nil, err
	}

	body, err := state.Encode()
	if err != nil {
		return "", nil, fmt.Errorf("encode game state: %w", err)
	}

	stage := room.StageInGame
	if state.Finished() {
		stage = room.StageGameOver
	}
	return stage, body, nil
}

// NextSeat 依座位升冪輪轉，posLimit 之後回到 1，跳過空位
//
// 所有座位皆空時返回 nil。
func NextSeat(r *room.Room, current int) *room.Member {
	if r.PosLimit <= 0 {
		return nil
	}
	pos := current
	for i := 0; i < r.PosLimit; i++ {
		pos = pos%r.PosLimit + 1
		if holder := r.SeatHolder(pos); holder != nil {
			return holder
		}
	}
	return nil
}
