package broadcast

import (
	"errors"
	"time"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// 推送給客戶端的 action
const (
	ActionRoom             = "room"             // 房間狀態變更
	ActionInit             = "init"             // 加入或重連後的初始化
	ActionUserDisconnected = "userDisconnected" // 成員斷線
	ActionMessage          = "message"          // 聊天訊息
	ActionError            = "error"            // 請求失敗
)

// RoomMessage 完整房間狀態
type RoomMessage struct {
	Action string     `json:"action"`
	Room   *room.Room `json:"room"`
}

// InitMessage 加入者收到的初始化訊息
type InitMessage struct {
	Action string      `json:"action"`
	Room   *room.Room  `json:"room"`
	Me     room.Member `json:"me"`
}

// DisconnectMessage 成員斷線通知
type DisconnectMessage struct {
	Action string     `json:"action"`
	UUID   string     `json:"uuid"`
	Room   *room.Room `json:"room"`
}

// ChatMessage 聊天訊息
type ChatMessage struct {
	Action  string    `json:"action"`
	Sender  string    `json:"sender"`
	Name    string    `json:"name"`
	Message string    `json:"message"`
	Private bool      `json:"private,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// ErrorMessage 請求失敗通知（只回給發起者）
type ErrorMessage struct {
	Action    string `json:"action"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Route     string `json:"route,omitempty"`
	SubAction string `json:"subAction,omitempty"`
}

// RoomState 組裝房間狀態訊息
func RoomState(r *room.Room) RoomMessage {
	return RoomMessage{Action: ActionRoom, Room: r}
}

// Init 組裝初始化訊息
func Init(r *room.Room, me room.Member) InitMessage {
	return InitMessage{Action: ActionInit, Room: r, Me: me}
}

// UserDisconnected 組裝斷線通知
func UserDisconnected(uuid string, r *room.Room) DisconnectMessage {
	return DisconnectMessage{Action: ActionUserDisconnected, UUID: uuid, Room: r}
}

// Failure 將錯誤轉為回給發起者的訊息，非 AppError 不外露細節
func Failure(err error, route, subAction string) ErrorMessage {
	msg := ErrorMessage{
		Action:    ActionError,
		Code:      apperrors.ErrCodeInternal,
		Message:   "Internal error",
		Route:     route,
		SubAction: subAction,
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg.Code = appErr.Code
		msg.Message = appErr.Message
		msg.Details = appErr.Details
	}
	return msg
}
