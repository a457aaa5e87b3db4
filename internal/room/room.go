// Package room 定義房間聚合與其儲存介面
//
// 系統設計問題：
//
//	多個連線同時修改同一個房間（加入、換座位、落子），
//	而狀態存放在遠端的版本化儲存中，沒有進程內的鎖。
//	如何讓所有連線看到一致的房間狀態？
//
// 設計方案：
//
//	✅ 單一聚合（Room）+ 版本號（version）樂觀鎖
//	✅ 每次成功寫入 version 恰好 +1
//	✅ 成員列表可按索引單點更新，全量替換只在必要時使用
//	✅ 房間不主動刪除，由儲存層依 ttl 回收
package room

import (
	"encoding/json"
	"time"
)

// Stage 房間階段
//
// 有限狀態機：
//
//	LOBBY → INGAME → GAMEOVER
//
// 只能向前推進，不允許 LOBBY 直接跳到 GAMEOVER。
type Stage string

const (
	StageLobby    Stage = "LOBBY"    // 大廳（入座、改設定）
	StageInGame   Stage = "INGAME"   // 遊戲進行中
	StageGameOver Stage = "GAMEOVER" // 遊戲結束
)

// Valid 檢查階段值是否合法
func (s Stage) Valid() bool {
	switch s {
	case StageLobby, StageInGame, StageGameOver:
		return true
	}
	return false
}

// CanTransitionTo 檢查階段轉換是否合法
func (s Stage) CanTransitionTo(next Stage) bool {
	switch s {
	case StageLobby:
		return next == StageInGame
	case StageInGame:
		return next == StageGameOver
	}
	return false
}

// Spectator 觀眾位（可重複）
const Spectator = 0

// Member 房間成員
//
// 身份（UUID）與連線無關：斷線重連後以同一個 UUID 取回座位。
// ConnectionID 為空字串代表目前沒有連線。
type Member struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	Avatar       string `json:"avatar"`
	ConnectionID string `json:"connectionId"`
	Position     int    `json:"position"`
}

// Connected 成員是否有可投遞的連線
func (m Member) Connected() bool {
	return m.ConnectionID != ""
}

// Seated 成員是否佔用座位
func (m Member) Seated() bool {
	return m.Position != Spectator
}

// Room 房間聚合
type Room struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Stage     Stage           `json:"stage"`
	PosLimit  int             `json:"posLimit"`
	Members   []Member        `json:"members"`
	Body      json.RawMessage `json:"body,omitempty"` // 由遊戲引擎擁有，LOBBY 階段為空
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"ttl"`
}

// Clone 深拷貝（儲存層與呼叫方之間不共享切片）
func (r *Room) Clone() *Room {
	cp := *r
	cp.Members = make([]Member, len(r.Members))
	copy(cp.Members, r.Members)
	if r.Body != nil {
		cp.Body = append(json.RawMessage(nil), r.Body...)
	}
	return &cp
}

// MemberByConnection 依連線 ID 查找成員，找不到返回 -1
func (r *Room) MemberByConnection(connID string) (int, *Member) {
	if connID == "" {
		return -1, nil
	}
	for i := range r.Members {
		if r.Members[i].ConnectionID == connID {
			return i, &r.Members[i]
		}
	}
	return -1, nil
}

// MemberByUUID 依 UUID 查找成員，找不到返回 -1
func (r *Room) MemberByUUID(uuid string) (int, *Member) {
	for i := range r.Members {
		if r.Members[i].UUID == uuid {
			return i, &r.Members[i]
		}
	}
	return -1, nil
}

// SeatHolder 返回佔用指定座位的成員
func (r *Room) SeatHolder(position int) *Member {
	if position == Spectator {
		return nil
	}
	for i := range r.Members {
		if r.Members[i].Position == position {
			return &r.Members[i]
		}
	}
	return nil
}

// SeatedCount 已入座人數
func (r *Room) SeatedCount() int {
	n := 0
	for _, m := range r.Members {
		if m.Seated() {
			n++
		}
	}
	return n
}

// Connections 所有在線成員的連線 ID
func (r *Room) Connections() []string {
	conns := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Connected() {
			conns = append(conns, m.ConnectionID)
		}
	}
	return conns
}

// Expired 房間是否已過期
func (r *Room) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
