package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	"github.com/koopa0/system-design/14-room-sync/internal/chat"
	"github.com/koopa0/system-design/14-room-sync/internal/game"
	"github.com/koopa0/system-design/14-room-sync/internal/lobby"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Broadcaster 推送介面（broadcast.Fanout）
type Broadcaster interface {
	lobby.Broadcaster
	Multicast(ctx context.Context, roomID string, connIDs []string, payload any) error
}

// handlerSet 組裝各 Op 的處理函數
type handlerSet struct {
	store  room.Store
	lobby  *lobby.Protocol
	games  *game.Registry
	fanout Broadcaster
	chat   chat.Store
	logger *slog.Logger
}

func (h *handlerSet) table() map[Op]HandlerFunc {
	return map[Op]HandlerFunc{
		OpJoin:           h.join,
		OpLeave:          h.leave,
		OpChangePosition: h.changePosition,
		OpChangePosLimit: h.changePosLimit,
		OpChangeSelf:     h.changeSelf,
		OpStart:          h.start,
		OpMove:           h.move,
		OpSendMessage:    h.sendMessage,
	}
}

func decodeBody(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return apperrors.ErrInvalidParam.WithDetails("body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.ErrInvalidParam.WithDetails(err.Error())
	}
	return nil
}

type joinBody struct {
	User *lobby.Profile `json:"user"`
}

func (h *handlerSet) join(ctx context.Context, a *Action) error {
	var body joinBody
	if err := decodeBody(a.Body, &body); err != nil {
		return err
	}
	if body.User == nil || body.User.UUID == "" {
		return apperrors.ErrInvalidParam.WithDetails("user.uuid is required")
	}
	if a.UserID != "" && a.UserID != body.User.UUID {
		return apperrors.ErrUnauthorized.WithDetails("user does not match token")
	}
	return h.lobby.Join(ctx, a.Room, a.ConnectionID, *body.User)
}

func (h *handlerSet) leave(ctx context.Context, a *Action) error {
	return h.lobby.Leave(ctx, a.Room, a.Index)
}

type positionBody struct {
	Position *int `json:"position"`
}

func (h *handlerSet) changePosition(ctx context.Context, a *Action) error {
	var body positionBody
	if err := decodeBody(a.Body, &body); err != nil {
		return err
	}
	if body.Position == nil {
		return apperrors.ErrInvalidParam.WithDetails("position is required")
	}
	return h.lobby.ChangePosition(ctx, a.Room, a.Index, *body.Position)
}

type posLimitBody struct {
	PosLimit *int `json:"posLimit"`
}

func (h *handlerSet) changePosLimit(ctx context.Context, a *Action) error {
	var body posLimitBody
	if err := decodeBody(a.Body, &body); err != nil {
		return err
	}
	if body.PosLimit == nil {
		return apperrors.ErrInvalidParam.WithDetails("posLimit is required")
	}
	return h.lobby.ChangePosLimit(ctx, a.Room, *body.PosLimit)
}

type selfBody struct {
	Me *struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	} `json:"me"`
}

func (h *handlerSet) changeSelf(ctx context.Context, a *Action) error {
	var body selfBody
	if err := decodeBody(a.Body, &body); err != nil {
		return err
	}
	if body.Me == nil {
		return apperrors.ErrInvalidParam.WithDetails("me is required")
	}
	return h.lobby.ChangeSelf(ctx, a.Room, a.Index, body.Me.Name, body.Me.Avatar)
}

// start 開局：全量替換（stage 與 body 同時改變）
func (h *handlerSet) start(ctx context.Context, a *Action) error {
	next, err := h.games.Start(a.Room)
	if err != nil {
		return err
	}
	if err := h.store.Replace(ctx, next, a.Room.Version); err != nil {
		return err
	}
	next.Version++

	h.logger.InfoContext(ctx, "遊戲開始",
		"room_id", next.ID,
		"type", next.Type,
		"started_by", a.Member.UUID)

	return h.fanout.Broadcast(ctx, next, broadcast.RoomState(next))
}

// move 落子：只更新 stage 與 body
func (h *handlerSet) move(ctx context.Context, a *Action) error {
	stage, body, err := h.games.Move(a.Room, a.Member, a.Body)
	if err != nil {
		return err
	}
	if err := h.store.UpdateGame(ctx, a.Room.ID, stage, body, a.Room.Version); err != nil {
		return err
	}

	next := a.Room.Clone()
	next.Stage = stage
	next.Body = body
	next.Version++

	if stage == room.StageGameOver {
		h.logger.InfoContext(ctx, "遊戲結束", "room_id", next.ID)
	}

	return h.fanout.Broadcast(ctx, next, broadcast.RoomState(next))
}

type messageBody struct {
	Message string `json:"message"`
	SendTo  string `json:"sendto"`
}

// sendMessage 聊天：指定 sendto 時私訊給該成員（並回給發送者），否則廣播
//
// 聊天不修改房間，不經過版本檢查。
func (h *handlerSet) sendMessage(ctx context.Context, a *Action) error {
	var body messageBody
	if err := decodeBody(a.Body, &body); err != nil {
		return err
	}
	if body.Message == "" {
		return apperrors.ErrInvalidParam.WithDetails("message is required")
	}

	var target *room.Member
	if body.SendTo != "" {
		_, target = a.Room.MemberByUUID(body.SendTo)
	}

	var metadata json.RawMessage
	if target != nil {
		metadata, _ = json.Marshal(map[string]string{"sendto": target.UUID})
	}
	saved, err := h.chat.Append(ctx, chat.Message{
		RoomID:   a.Room.ID,
		SenderID: a.Member.UUID,
		Content:  body.Message,
		Type:     "text",
		Metadata: metadata,
	})
	if err != nil {
		return err
	}

	msg := broadcast.ChatMessage{
		Action:  broadcast.ActionMessage,
		Sender:  a.Member.UUID,
		Name:    a.Member.Name,
		Message: body.Message,
		Private: target != nil,
		SentAt:  saved.CreatedAt,
	}

	if target == nil {
		return h.fanout.Broadcast(ctx, a.Room, msg)
	}

	conns := []string{a.ConnectionID}
	if target.Connected() && target.ConnectionID != a.ConnectionID {
		conns = append(conns, target.ConnectionID)
	}
	return h.fanout.Multicast(ctx, a.Room.ID, conns, msg)
}
