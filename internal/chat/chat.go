// Package chat 房間聊天紀錄
//
// 聊天紀錄與房間狀態互相獨立：不經過版本檢查，也不參與衝突重試。
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// DefaultLimit 查詢預設筆數
const DefaultLimit = 20

// MaxLimit 查詢筆數上限
const MaxLimit = 100

// Message 聊天訊息
type Message struct {
	ID        int64           `json:"id"`
	RoomID    string          `json:"roomId"`
	SenderID  string          `json:"senderId"`
	Content   string          `json:"content"`
	Type      string          `json:"type"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Query 分頁條件：before 為零值表示從最新開始
type Query struct {
	RoomID string
	Before time.Time
	Limit  int
}

// Normalize 補上預設值並檢查參數
func (q Query) Normalize() (Query, error) {
	if q.RoomID == "" {
		return q, apperrors.ErrInvalidParam.WithDetails("roomId is required")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q, nil
}

// Store 聊天紀錄儲存
type Store interface {
	// Append 追加一則訊息，返回帶有 ID 與時間的訊息
	Append(ctx context.Context, msg Message) (Message, error)
	// Query 依時間由新到舊分頁
	Query(ctx context.Context, q Query) ([]Message, error)
}

// Validate 檢查訊息必填欄位
func Validate(msg Message) error {
	switch {
	case msg.RoomID == "":
		return apperrors.ErrInvalidParam.WithDetails("roomId is required")
	case msg.SenderID == "":
		return apperrors.ErrInvalidParam.WithDetails("senderId is required")
	case msg.Content == "":
		return apperrors.ErrInvalidParam.WithDetails("content is required")
	}
	return nil
}

// MemoryStore 記憶體聊天紀錄
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string][]Message
	nextID int64
	now    func() time.Time
}

// NewMemoryStore 創建記憶體聊天紀錄
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]Message),
		now:   time.Now,
	}
}

// Append 追加訊息
func (s *MemoryStore) Append(_ context.Context, msg Message) (Message, error) {
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = s.nextID
	msg.CreatedAt = s.now().UTC()
	s.rooms[msg.RoomID] = append(s.rooms[msg.RoomID], msg)
	return msg, nil
}

// Query 由新到舊分頁
func (s *MemoryStore) Query(_ context.Context, q Query) ([]Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := s.rooms[q.RoomID]
	page := make([]Message, 0, q.Limit)
	for i := len(all) - 1; i >= 0 && len(page) < q.Limit; i-- {
		if !q.Before.IsZero() && !all[i].CreatedAt.Before(q.Before) {
			continue
		}
		page = append(page, all[i])
	}
	s.mu.RUnlock()

	// 同一時間戳的訊息以 ID 保持穩定順序
	sort.SliceStable(page, func(i, j int) bool {
		if page[i].CreatedAt.Equal(page[j].CreatedAt) {
			return page[i].ID > page[j].ID
		}
		return page[i].CreatedAt.After(page[j].CreatedAt)
	})
	return page, nil
}
