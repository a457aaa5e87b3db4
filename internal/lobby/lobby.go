// Package lobby 大廳階段的成員狀態機
//
// 每個動作的流程相同：
//
//	房間快照 → 檢查業務規則 → 版本條件寫入 → 推送新狀態
//
// 規則檢查永遠基於呼叫方剛讀到的快照；寫入返回 CONFLICT 時
// 由上層重新讀取快照再執行整個動作，這裡不做任何重試。
package lobby

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// DefaultMaxMembers 房間人數上限（含觀眾）
const DefaultMaxMembers = 20

// Broadcaster 推送介面
type Broadcaster interface {
	Broadcast(ctx context.Context, r *room.Room, payload any) error
	SendTo(ctx context.Context, roomID, connID string, payload any) error
}

// Profile 成員的身份與顯示資料
type Profile struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Protocol 大廳動作
type Protocol struct {
	store      room.Store
	fanout     Broadcaster
	maxMembers int
	logger     *slog.Logger
}

// New 創建大廳協議
func New(store room.Store, fanout Broadcaster, maxMembers int, logger *slog.Logger) *Protocol {
	if maxMembers <= 0 {
		maxMembers = DefaultMaxMembers
	}
	return &Protocol{
		store:      store,
		fanout:     fanout,
		maxMembers: maxMembers,
		logger:     logger,
	}
}

// Join 加入房間（任何階段皆可）
//
//   - UUID 已存在：重連，只更新 connectionId
//   - UUID 不存在：人數未滿時以觀眾身份（position 0）追加
//   - 連線已綁定另一個 UUID：拒絕
//
// 成功後推送房間狀態給所有人，加入者另外收到 init。
func (p *Protocol) Join(ctx context.Context, r *room.Room, connID string, profile Profile) error {
	if profile.UUID == "" {
		return apperrors.ErrInvalidParam.WithDetails("user.uuid is required")
	}
	if connID == "" {
		return apperrors.ErrInvalidParam.WithDetails("connection id is required")
	}

	// 一條連線只對應一個成員
	if _, bound := r.MemberByConnection(connID); bound != nil && bound.UUID != profile.UUID {
		return apperrors.ErrInvalidParam.WithDetails("connection already joined as another user")
	}

	next := r.Clone()
	idx, existing := next.MemberByUUID(profile.UUID)

	var me room.Member
	if existing != nil {
		existing.ConnectionID = connID
		me = *existing
		if err := p.store.UpsertMember(ctx, r.ID, idx, me, r.Version); err != nil {
			return err
		}
		p.logger.InfoContext(ctx, "成員重新連線",
			"room_id", r.ID,
			"uuid", me.UUID,
			"connection_id", connID,
			"position", me.Position)
	} else {
		if len(r.Members)+1 > p.maxMembers {
			return apperrors.ErrMaxMembers
		}
		me = room.Member{
			UUID:         profile.UUID,
			Name:         profile.Name,
			Avatar:       profile.Avatar,
			ConnectionID: connID,
			Position:     room.Spectator,
		}
		if err := p.store.UpsertMember(ctx, r.ID, -1, me, r.Version); err != nil {
			return err
		}
		next.Members = append(next.Members, me)
		p.logger.InfoContext(ctx, "成員加入房間",
			"room_id", r.ID,
			"uuid", me.UUID,
			"connection_id", connID,
			"members", len(next.Members))
	}
	next.Version++

	if err := p.fanout.Broadcast(ctx, next, broadcast.RoomState(next)); err != nil {
		return err
	}
	return p.fanout.SendTo(ctx, r.ID, connID, broadcast.Init(next, me))
}

// Leave 離開房間
//
// 遊戲進行中已入座的玩家不能離開（座位是遊戲狀態的一部分），觀眾隨時可以離開。
func (p *Protocol) Leave(ctx context.Context, r *room.Room, idx int) error {
	m := r.Members[idx]
	if r.Stage == room.StageInGame && m.Seated() {
		return apperrors.ErrInvalidParam.WithDetails("seated players cannot leave during a game")
	}

	if err := p.store.DeleteMember(ctx, r.ID, idx, r.Version); err != nil {
		return err
	}

	next := r.Clone()
	next.Members = append(next.Members[:idx], next.Members[idx+1:]...)
	next.Version++

	p.logger.InfoContext(ctx, "成員離開房間", "room_id", r.ID, "uuid", m.UUID)

	if err := p.fanout.Broadcast(ctx, next, broadcast.RoomState(next)); err != nil {
		return err
	}
	// 離開者已不在成員列表中，單獨通知
	if m.Connected() {
		return p.fanout.SendTo(ctx, r.ID, m.ConnectionID, broadcast.RoomState(next))
	}
	return nil
}

// ChangePosition 換座位（僅限 LOBBY）
//
// 目標為 0 表示回到觀眾席；非 0 的目標必須在 1..posLimit 且沒有其他人佔用。
func (p *Protocol) ChangePosition(ctx context.Context, r *room.Room, idx int, target int) error {
	if r.Stage != room.StageLobby {
		return apperrors.ErrInvalidParam.WithDetails("positions can only change in the lobby")
	}
	if target < 0 || target > r.PosLimit {
		return apperrors.ErrInvalidParam.WithDetails(
			fmt.Sprintf("position must be between 0 and %d", r.PosLimit))
	}

	m := r.Members[idx]
	if target != room.Spectator {
		if holder := r.SeatHolder(target); holder != nil && holder.UUID != m.UUID {
			return apperrors.ErrInvalidPosition
		}
	}

	m.Position = target
	if err := p.store.UpsertMember(ctx, r.ID, idx, m, r.Version); err != nil {
		return err
	}

	next := r.Clone()
	next.Members[idx] = m
	next.Version++

	p.logger.InfoContext(ctx, "成員換座位",
		"room_id", r.ID,
		"uuid", m.UUID,
		"position", target)

	return p.fanout.Broadcast(ctx, next, broadcast.RoomState(next))
}

// ChangePosLimit 修改座位數（僅限 LOBBY）
//
// 座位號大於新上限的成員被移回觀眾席；可能影響多個成員，使用全量替換。
func (p *Protocol) ChangePosLimit(ctx context.Context, r *room.Room, posLimit int) error {
	if r.Stage != room.StageLobby {
		return apperrors.ErrInvalidParam.WithDetails("posLimit can only change in the lobby")
	}
	if posLimit <= 0 || posLimit > p.maxMembers {
		return apperrors.ErrInvalidParam.WithDetails(
			fmt.Sprintf("posLimit must be between 1 and %d", p.maxMembers))
	}

	next := r.Clone()
	next.PosLimit = posLimit
	demoted := 0
	for i := range next.Members {
		if next.Members[i].Position > posLimit {
			next.Members[i].Position = room.Spectator
			demoted++
		}
	}

	if err := p.store.Replace(ctx, next, r.Version); err != nil {
		return err
	}
	next.Version++

	p.logger.InfoContext(ctx, "座位數已修改",
		"room_id", r.ID,
		"pos_limit", posLimit,
		"demoted", demoted)

	return p.fanout.Broadcast(ctx, next, broadcast.RoomState(next))
}

// ChangeSelf 修改自己的名稱與頭像
func (p *Protocol) ChangeSelf(ctx context.Context, r *room.Room, idx int, name, avatar string) error {
	m := r.Members[idx]
	m.Name = name
	m.Avatar = avatar

	if err := p.store.UpsertMember(ctx, r.ID, idx, m, r.Version); err != nil {
		return err
	}

	next := r.Clone()
	next.Members[idx] = m
	next.Version++

	return p.fanout.Broadcast(ctx, next, broadcast.RoomState(next))
}

// Disconnect 連線中斷（所有階段適用）
//
//   - 已入座：保留成員，清空 connectionId，重連後可取回座位
//   - 觀眾：直接移除
//
// 找不到對應成員時是 no-op（例如連線從未 join）。
func (p *Protocol) Disconnect(ctx context.Context, r *room.Room, connID string) error {
	idx, m := r.MemberByConnection(connID)
	if m == nil {
		p.logger.DebugContext(ctx, "斷線的連線不屬於任何成員",
			"room_id", r.ID,
			"connection_id", connID)
		return nil
	}

	next := r.Clone()
	member := *m
	if member.Seated() {
		member.ConnectionID = ""
		if err := p.store.UpsertMember(ctx, r.ID, idx, member, r.Version); err != nil {
			return err
		}
		next.Members[idx] = member
	} else {
		if err := p.store.DeleteMember(ctx, r.ID, idx, r.Version); err != nil {
			return err
		}
		next.Members = append(next.Members[:idx], next.Members[idx+1:]...)
	}
	next.Version++

	p.logger.InfoContext(ctx, "成員斷線",
		"room_id", r.ID,
		"uuid", member.UUID,
		"retained", member.Seated())

	return p.fanout.Broadcast(ctx, next, broadcast.UserDisconnected(member.UUID, next))
}
