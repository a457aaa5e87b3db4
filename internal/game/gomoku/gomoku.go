// Package gomoku 五子棋（wuziqi）引擎
//
// 棋盤格子的值為落子者的座位號，0 表示空格。
// 任一方向連成 WinLength 子即獲勝；棋盤填滿仍無人獲勝為和局。
package gomoku

import (
	"encoding/json"
	"fmt"

	"github.com/koopa0/system-design/14-room-sync/internal/game"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Type 房間類型
const Type = "wuziqi"

// Alias 通用類型名 game 也由五子棋處理
const Alias = "game"

// Config 棋盤參數
type Config struct {
	Rows      int
	Cols      int
	WinLength int
}

// DefaultConfig 11x11 棋盤，五子連線
func DefaultConfig() Config {
	return Config{Rows: 11, Cols: 11, WinLength: 5}
}

// Engine 五子棋引擎
type Engine struct {
	cfg Config
}

// New 創建五子棋引擎
func New(cfg Config) *Engine {
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		cfg.Rows, cfg.Cols = DefaultConfig().Rows, DefaultConfig().Cols
	}
	if cfg.WinLength <= 0 {
		cfg.WinLength = DefaultConfig().WinLength
	}
	return &Engine{cfg: cfg}
}

// Type 實現 game.Engine
func (e *Engine) Type() string { return Type }

// SeatCounts 實現 game.Engine
func (e *Engine) SeatCounts() []int { return []int{2} }

// Start 空棋盤，1 號座位先手
func (e *Engine) Start(r *room.Room) (game.State, error) {
	first := r.SeatHolder(1)
	if first == nil {
		return nil, apperrors.ErrInvalidParam.WithDetails("seat 1 is empty")
	}

	board := make([][]int, e.cfg.Rows)
	for i := range board {
		board[i] = make([]int, e.cfg.Cols)
	}

	return &State{
		Board:           board,
		CurrentPlayerID: first.UUID,
		WinLength:       e.cfg.WinLength,
	}, nil
}

// Decode 實現 game.Engine
func (e *Engine) Decode(body json.RawMessage) (game.State, error) {
	var s State
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	if len(s.Board) == 0 {
		return nil, fmt.Errorf("empty board")
	}
	if s.WinLength <= 0 {
		s.WinLength = e.cfg.WinLength
	}
	return &s, nil
}

// Position 棋盤座標
type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// UndoRequest 悔棋請求（尚未開放，開局時為 null）
type UndoRequest struct {
	RequesterID string `json:"requesterId"`
	Move        int    `json:"move"`
}

// State 房間 body 的結構
type State struct {
	Board           [][]int      `json:"board"`
	CurrentPlayerID string       `json:"currentPlayerId"`
	Winner          *string      `json:"winner"`
	Draw            bool         `json:"draw"`
	LastMove        *Position    `json:"lastMove"`
	Turn            int          `json:"turn"`
	UndoArgs        *UndoRequest `json:"undoArgs"`
	WinLength       int          `json:"winLength"`
}

// Finished 實現 game.State
func (s *State) Finished() bool {
	return s.Winner != nil || s.Draw
}

// Encode 實現 game.State
func (s *State) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

// Move 落子
func (s *State) Move(r *room.Room, actor *room.Member, args json.RawMessage) error {
	if actor == nil || actor.UUID != s.CurrentPlayerID {
		return apperrors.ErrInvalidParam.WithDetails("not your turn")
	}

	var p Position
	if err := json.Unmarshal(args, &p); err != nil {
		return apperrors.ErrInvalidParam.WithDetails("move requires row and col")
	}
	if p.Row < 0 || p.Row >= len(s.Board) || p.Col < 0 || p.Col >= len(s.Board[p.Row]) {
		return apperrors.ErrInvalidParam.WithDetails("move out of board")
	}
	if s.Board[p.Row][p.Col] != 0 {
		return apperrors.ErrInvalidParam.WithDetails("cell already taken")
	}

	s.Board[p.Row][p.Col] = actor.Position
	s.Turn++
	s.LastMove = &p

	switch {
	case s.connects(p, actor.Position):
		winner := actor.UUID
		s.Winner = &winner
	case s.full():
		s.Draw = true
	default:
		if next := game.NextSeat(r, actor.Position); next != nil {
			s.CurrentPlayerID = next.UUID
		}
	}
	return nil
}

var directions = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// connects 從最後一手向四個方向計算連子數
func (s *State) connects(p Position, seat int) bool {
	for _, d := range directions {
		count := 1 + s.run(p, seat, d[0], d[1]) + s.run(p, seat, -d[0], -d[1])
		if count >= s.WinLength {
			return true
		}
	}
	return false
}

func (s *State) run(p Position, seat, dr, dc int) int {
	n := 0
	r, c := p.Row+dr, p.Col+dc
	for r >= 0 && r < len(s.Board) && c >= 0 && c < len(s.Board[r]) && s.Board[r][c] == seat {
		n++
		r += dr
		c += dc
	}
	return n
}

func (s *State) full() bool {
	cells := 0
	for _, row := range s.Board {
		cells += len(row)
	}
	return s.Turn >= cells
}
