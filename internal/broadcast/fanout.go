// Package broadcast 將房間狀態推送給所有在線成員
//
// 推送在寫入成功之後才發生，且永遠不修改房間：
// 推送失敗不會讓儲存不一致，只會讓部分成員暫時看到舊狀態，
// 直到下一次狀態變更。
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Sender 投遞一則訊息到指定連線
//
// 連線已不存在時必須返回 STALE_CONNECTION（apperrors.ErrGone）。
type Sender interface {
	Send(ctx context.Context, connID string, payload []byte) error
}

// Fanout 並行推送
type Fanout struct {
	sender      Sender
	logger      *slog.Logger
	parallelism int
}

// NewFanout 創建推送器，parallelism <= 0 表示不限制並行數
func NewFanout(sender Sender, logger *slog.Logger, parallelism int) *Fanout {
	return &Fanout{
		sender:      sender,
		logger:      logger,
		parallelism: parallelism,
	}
}

// Broadcast 推送給房間內每一個有連線的成員
//
// 失效連線記錄日誌後忽略；其他投遞錯誤讓整次推送失敗，
// 但不會中斷其他成員的投遞。
func (f *Fanout) Broadcast(ctx context.Context, r *room.Room, payload any) error {
	return f.Multicast(ctx, r.ID, r.Connections(), payload)
}

// Multicast 推送給指定的連線集合
func (f *Fanout) Multicast(ctx context.Context, roomID string, connIDs []string, payload any) error {
	if len(connIDs) == 0 {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}

	var g errgroup.Group
	if f.parallelism > 0 {
		g.SetLimit(f.parallelism)
	}
	for _, connID := range connIDs {
		g.Go(func() error {
			return f.deliver(ctx, roomID, connID, data)
		})
	}
	return g.Wait()
}

// SendTo 推送給單一連線（例如加入時的 init 訊息）
func (f *Fanout) SendTo(ctx context.Context, roomID, connID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return f.deliver(ctx, roomID, connID, data)
}

func (f *Fanout) deliver(ctx context.Context, roomID, connID string, data []byte) error {
	err := f.sender.Send(ctx, connID, data)
	if err == nil {
		return nil
	}
	if apperrors.IsStaleConnection(err) {
		f.logger.WarnContext(ctx, "連線已失效，略過推送",
			"room_id", roomID,
			"connection_id", connID)
		return nil
	}

	f.logger.ErrorContext(ctx, "推送失敗",
		"room_id", roomID,
		"connection_id", connID,
		"error", err)
	return fmt.Errorf("deliver to %s: %w", connID, err)
}
