// Package storage 提供房間與連線紀錄的儲存後端
//
// 三種後端實作同一組介面（room.Store / room.Registry）：
//   - Memory: 單進程，測試與本地開發使用
//   - Redis: 多節點共享，Lua 腳本保證版本檢查與寫入的原子性
//   - Postgres: 持久化，條件 UPDATE 保證版本檢查
//
// 所有寫入都是版本條件寫入：儲存中的 version 必須等於 expectedVersion。
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// MemoryStore 記憶體房間儲存
//
// 互斥鎖只保護 map 本身，語義上與遠端儲存一致：
// 讀出的是副本，寫入時比對版本。
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*room.Room
	now   func() time.Time
}

// NewMemoryStore 創建記憶體房間儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*room.Room),
		now:   time.Now,
	}
}

// Create 條件建立
func (s *MemoryStore) Create(_ context.Context, r *room.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rooms[r.ID]; ok && !existing.Expired(s.now()) {
		return apperrors.ErrRoomExists
	}

	cp := r.Clone()
	cp.Version = 1
	s.rooms[r.ID] = cp
	return nil
}

// Get 讀取房間
func (s *MemoryStore) Get(_ context.Context, id string) (*room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Replace 全量替換
func (s *MemoryStore) Replace(_ context.Context, r *room.Room, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.checkVersion(r.ID, expectedVersion)
	if err != nil {
		return err
	}

	cp := r.Clone()
	cp.Version = expectedVersion + 1
	cp.CreatedAt = current.CreatedAt
	cp.ExpiresAt = current.ExpiresAt
	s.rooms[r.ID] = cp
	return nil
}

// UpsertMember 單點寫入成員
func (s *MemoryStore) UpsertMember(_ context.Context, roomID string, index int, m room.Member, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.checkVersion(roomID, expectedVersion)
	if err != nil {
		return err
	}

	switch {
	case index < 0:
		current.Members = append(current.Members, m)
	case index < len(current.Members):
		current.Members[index] = m
	default:
		return apperrors.ErrInvalidParam.WithDetails("member index out of range")
	}
	current.Version++
	return nil
}

// DeleteMember 移除成員
func (s *MemoryStore) DeleteMember(_ context.Context, roomID string, index int, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.checkVersion(roomID, expectedVersion)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(current.Members) {
		return apperrors.ErrInvalidParam.WithDetails("member index out of range")
	}

	current.Members = append(current.Members[:index], current.Members[index+1:]...)
	current.Version++
	return nil
}

// UpdateGame 更新階段與遊戲狀態
func (s *MemoryStore) UpdateGame(_ context.Context, roomID string, stage room.Stage, body json.RawMessage, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.checkVersion(roomID, expectedVersion)
	if err != nil {
		return err
	}

	current.Stage = stage
	current.Body = append(json.RawMessage(nil), body...)
	current.Version++
	return nil
}

// Len 未過期的房間數量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, r := range s.rooms {
		if !r.Expired(now) {
			n++
		}
	}
	return n
}

// lookup 必須持有鎖
func (s *MemoryStore) lookup(id string) (*room.Room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	if r.Expired(s.now()) {
		delete(s.rooms, id)
		return nil, apperrors.ErrRoomNotFound
	}
	return r, nil
}

// checkVersion 必須持有鎖
func (s *MemoryStore) checkVersion(id string, expectedVersion int64) (*room.Room, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if r.Version != expectedVersion {
		return nil, apperrors.ErrVersionConflict.WithDetails(id)
	}
	return r, nil
}

type memoryRecord struct {
	roomID    string
	expiresAt time.Time
}

// MemoryRegistry 記憶體連線紀錄
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryRegistry 創建記憶體連線紀錄
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

// Register 建立或刷新連線紀錄
func (r *MemoryRegistry) Register(_ context.Context, connID, roomID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[connID] = memoryRecord{roomID: roomID, expiresAt: r.now().Add(ttl)}
	return nil
}

// Consume 讀取並刪除連線紀錄
func (r *MemoryRegistry) Consume(_ context.Context, connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[connID]
	if !ok {
		return "", apperrors.ErrConnectionNotFound
	}
	delete(r.records, connID)

	if r.now().After(rec.expiresAt) {
		return "", apperrors.ErrConnectionNotFound
	}
	return rec.roomID, nil
}
