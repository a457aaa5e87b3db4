package room

import (
	"context"
	"encoding/json"
	"time"
)

// Store 房間的版本化儲存
//
// 所有寫入都是「單一聚合、版本條件」的寫入：
//   - 儲存中的 version 必須等於 expectedVersion，否則返回 CONFLICT
//   - 成功後儲存中的 version 變為 expectedVersion + 1
//   - 房間不存在返回 NOT_FOUND
//
// 沒有跨文件交易：每個操作只碰一個房間。
type Store interface {
	// Create 條件建立（create-if-absent），version 必須為 1
	// ID 已存在時返回 ALREADY_EXISTS
	Create(ctx context.Context, r *Room) error

	// Get 讀取房間快照
	Get(ctx context.Context, id string) (*Room, error)

	// Replace 全量替換（例如 posLimit 變更影響多個成員、開局）
	Replace(ctx context.Context, r *Room, expectedVersion int64) error

	// UpsertMember 單點寫入成員
	// index < 0 表示追加到列表尾端，否則覆寫該索引
	UpsertMember(ctx context.Context, roomID string, index int, m Member, expectedVersion int64) error

	// DeleteMember 移除指定索引的成員
	DeleteMember(ctx context.Context, roomID string, index int, expectedVersion int64) error

	// UpdateGame 單點更新 stage 與 body（落子）
	UpdateGame(ctx context.Context, roomID string, stage Stage, body json.RawMessage, expectedVersion int64) error
}

// Registry 連線 → 房間的對應表
//
// 連線建立時寫入一次，斷線時讀取並刪除一次，沒有並發寫入者。
type Registry interface {
	// Register 建立或刷新連線紀錄
	Register(ctx context.Context, connID, roomID string, ttl time.Duration) error

	// Consume 讀取並刪除連線紀錄，不存在時返回 NOT_FOUND
	Consume(ctx context.Context, connID string) (string, error)
}
