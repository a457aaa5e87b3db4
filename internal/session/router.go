package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Request 一次入站動作
type Request struct {
	ConnectionID string
	RoomID       string
	UserID       string // 已驗證的使用者，未啟用驗證時為空
	Op           Op
	Body         json.RawMessage
}

// Action 處理函數看到的上下文
//
// Room 是本次嘗試讀到的快照；Member 由快照中依連線 ID 解析，
// 因此成員查找與後續寫入基於同一個版本。
type Action struct {
	Request
	Room   *room.Room
	Index  int
	Member *room.Member
}

// HandlerFunc 處理一個 Op
type HandlerFunc func(ctx context.Context, a *Action) error

// Router 依 Op 分派
type Router struct {
	store    room.Store
	handlers map[Op]HandlerFunc
	logger   *slog.Logger
}

// NewRouter 創建路由器，每個 Op 都必須有處理函數
func NewRouter(store room.Store, handlers map[Op]HandlerFunc, logger *slog.Logger) (*Router, error) {
	for _, op := range AllOps() {
		if handlers[op] == nil {
			return nil, fmt.Errorf("session: no handler for %s", op)
		}
	}
	for op := range handlers {
		if op == OpInvalid || op >= opCount {
			return nil, fmt.Errorf("session: handler registered for unknown %s", op)
		}
	}
	return &Router{store: store, handlers: handlers, logger: logger}, nil
}

// Dispatch 讀取房間快照、解析成員並執行處理函數
func (rt *Router) Dispatch(ctx context.Context, req Request) error {
	handler, ok := rt.handlers[req.Op]
	if !ok {
		return apperrors.ErrInvalidParam.WithDetails(fmt.Sprintf("unknown action %s", req.Op))
	}
	if req.RoomID == "" {
		return apperrors.ErrInvalidParam.WithDetails("room is required")
	}

	r, err := rt.store.Get(ctx, req.RoomID)
	if err != nil {
		return err
	}

	a := &Action{Request: req, Room: r, Index: -1}
	a.Index, a.Member = r.MemberByConnection(req.ConnectionID)
	if a.Member == nil && req.Op.RequiresMember() {
		return apperrors.ErrInvalidUser
	}

	rt.logger.DebugContext(ctx, "dispatch",
		"op", req.Op.String(),
		"version", r.Version,
		"member", a.Index)
	return handler(ctx, a)
}
