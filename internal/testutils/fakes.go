package testutils

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Delivery 一次投遞紀錄
type Delivery struct {
	ConnID  string
	Payload []byte
}

// Decode 將投遞內容解析為 map
func (d Delivery) Decode() map[string]any {
	var out map[string]any
	_ = json.Unmarshal(d.Payload, &out)
	return out
}

// RecordingSender 記錄所有投遞的假 Sender
//
// Stale 中的連線返回 ErrGone，Fail 中的連線返回指定錯誤。
type RecordingSender struct {
	mu         sync.Mutex
	deliveries []Delivery
	stale      map[string]bool
	fail       map[string]error
}

// NewRecordingSender 創建記錄用 Sender
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{
		stale: make(map[string]bool),
		fail:  make(map[string]error),
	}
}

// MarkStale 讓指定連線回報已失效
func (s *RecordingSender) MarkStale(connIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range connIDs {
		s.stale[id] = true
	}
}

// FailWith 讓指定連線返回錯誤
func (s *RecordingSender) FailWith(connID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[connID] = err
}

// Send 實現 broadcast.Sender
func (s *RecordingSender) Send(_ context.Context, connID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale[connID] {
		return apperrors.ErrGone
	}
	if err := s.fail[connID]; err != nil {
		return err
	}
	s.deliveries = append(s.deliveries, Delivery{ConnID: connID, Payload: append([]byte(nil), payload...)})
	return nil
}

// Deliveries 所有成功投遞
func (s *RecordingSender) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

// For 投遞到指定連線的訊息
func (s *RecordingSender) For(connID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Delivery
	for _, d := range s.deliveries {
		if d.ConnID == connID {
			out = append(out, d)
		}
	}
	return out
}

// Actions 投遞到指定連線的 action 欄位序列
func (s *RecordingSender) Actions(connID string) []string {
	var out []string
	for _, d := range s.For(connID) {
		if action, ok := d.Decode()["action"].(string); ok {
			out = append(out, action)
		}
	}
	return out
}

// Reset 清空紀錄
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = nil
}
