package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Reaper 能刪除過期資料的後端
//
// Redis 依賴原生鍵過期，不需要 Reaper；
// PostgreSQL 與記憶體後端由 Janitor 定期呼叫。
type Reaper interface {
	Reap(ctx context.Context, now time.Time) (int64, error)
}

// Janitor 定期清理過期的房間與連線紀錄
type Janitor struct {
	reapers  []Reaper
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewJanitor 創建清理器（需呼叫 Start 啟動）
func NewJanitor(interval time.Duration, logger *slog.Logger, reapers ...Reaper) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		reapers:  reapers,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start 啟動清理 goroutine
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("清理過期資料失敗", "error", err)
			}
			cancel()
		case <-j.stopCh:
			return
		}
	}
}

// Sweep 執行一次清理，返回刪除的總筆數
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	now := j.now()
	var total int64
	for _, r := range j.reapers {
		n, err := r.Reap(ctx, now)
		if err != nil {
			return total, fmt.Errorf("reap: %w", err)
		}
		total += n
	}
	if total > 0 {
		j.logger.Info("過期資料已清理", "removed", total)
	}
	return total, nil
}

// Stop 停止清理器並等待 goroutine 結束
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

// Reap 刪除過期房間
func (s *MemoryStore) Reap(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.rooms {
		if r.Expired(now) {
			delete(s.rooms, id)
			n++
		}
	}
	return n, nil
}

// Reap 刪除過期連線紀錄
func (r *MemoryRegistry) Reap(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, rec := range r.records {
		if now.After(rec.expiresAt) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

// Reap 刪除過期房間（成員隨外鍵級聯刪除）
func (s *PostgresStore) Reap(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap rooms: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Reap 刪除過期連線紀錄
func (r *PostgresRegistry) Reap(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM connections WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap connections: %w", err)
	}
	return tag.RowsAffected(), nil
}
