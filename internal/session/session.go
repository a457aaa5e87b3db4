// Package session 連線生命週期與動作分派
//
// 入站事件的處理流程：
//
//	事件 → RetryLoop → Router（讀取房間、解析成員）
//	     → Lobby / Game 計算新狀態 → 版本條件寫入 → 推送
//	     → 版本衝突：RetryLoop 從讀取重新開始
//
// 每個事件都是獨立的工作單元，進程內沒有共享的房間狀態；
// 所有協調都經由儲存層的 version 完成。
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-room-sync/internal/chat"
	"github.com/koopa0/system-design/14-room-sync/internal/game"
	"github.com/koopa0/system-design/14-room-sync/internal/lobby"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

// DefaultConnectionTTL 連線紀錄的存活時間
const DefaultConnectionTTL = 24 * time.Hour

// Options 會話參數
type Options struct {
	MaxMembers    int
	MaxAttempts   int
	ConnectionTTL time.Duration
}

// Deps 會話依賴
type Deps struct {
	Rooms    room.Store
	Registry room.Registry
	Fanout   Broadcaster
	Games    *game.Registry
	Chat     chat.Store
	Logger   *slog.Logger
}

// Service 連線生命週期與動作入口
type Service struct {
	rooms    room.Store
	registry room.Registry
	lobby    *lobby.Protocol
	router   *Router
	retry    *RetryLoop
	connTTL  time.Duration
	logger   *slog.Logger
}

// NewService 創建會話服務
func NewService(deps Deps, opts Options) (*Service, error) {
	if opts.ConnectionTTL <= 0 {
		opts.ConnectionTTL = DefaultConnectionTTL
	}

	lp := lobby.New(deps.Rooms, deps.Fanout, opts.MaxMembers, deps.Logger)
	h := &handlerSet{
		store:  deps.Rooms,
		lobby:  lp,
		games:  deps.Games,
		fanout: deps.Fanout,
		chat:   deps.Chat,
		logger: deps.Logger,
	}

	router, err := NewRouter(deps.Rooms, h.table(), deps.Logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		rooms:    deps.Rooms,
		registry: deps.Registry,
		lobby:    lp,
		router:   router,
		retry:    NewRetryLoop(opts.MaxAttempts, deps.Logger),
		connTTL:  opts.ConnectionTTL,
		logger:   deps.Logger,
	}, nil
}

// Connect 連線建立：房間必須存在，寫入連線紀錄
func (s *Service) Connect(ctx context.Context, connID, roomID string) error {
	ctx = logger.WithConnectionID(logger.WithRoomID(ctx, roomID), connID)

	if connID == "" || roomID == "" {
		return apperrors.ErrInvalidParam.WithDetails("connection and room are required")
	}
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return err
	}
	if err := s.registry.Register(ctx, connID, roomID, s.connTTL); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "連線已建立")
	return nil
}

// Disconnect 連線中斷：取出連線紀錄後執行斷線處理
//
// 連線紀錄只消費一次，放在重試迴圈之外；房間的修改在迴圈之內。
// 連線從未註冊或房間已過期時記錄日誌後返回 nil。
func (s *Service) Disconnect(ctx context.Context, connID string) error {
	ctx = logger.WithConnectionID(ctx, connID)

	roomID, err := s.registry.Consume(ctx, connID)
	if apperrors.IsNotFound(err) {
		s.logger.DebugContext(ctx, "斷線的連線沒有房間紀錄")
		return nil
	}
	if err != nil {
		return err
	}
	ctx = logger.WithRoomID(ctx, roomID)

	err = s.retry.Do(ctx, "disconnect", func(ctx context.Context) error {
		r, err := s.rooms.Get(ctx, roomID)
		if err != nil {
			return err
		}
		return s.lobby.Disconnect(ctx, r, connID)
	})
	if apperrors.IsNotFound(err) {
		s.logger.InfoContext(ctx, "斷線時房間已不存在")
		return nil
	}
	return err
}

// Handle 執行一個動作
func (s *Service) Handle(ctx context.Context, connID, roomID, userID, route, subAction string, body json.RawMessage) error {
	ctx = logger.WithConnectionID(logger.WithRoomID(ctx, roomID), connID)

	op, err := ParseOp(route, subAction)
	if err != nil {
		return err
	}

	req := Request{
		ConnectionID: connID,
		RoomID:       roomID,
		UserID:       userID,
		Op:           op,
		Body:         body,
	}
	return s.retry.Do(ctx, op.String(), func(ctx context.Context) error {
		return s.router.Dispatch(ctx, req)
	})
}
