// Package relay 跨節點投遞
//
// 每條連線只存在於某一個閘道節點。節點在連線建立時訂閱
// rooms.conn.<connID>，關閉時取消訂閱；發送方以 request/reply 投遞，
// 沒有任何訂閱者（nats.ErrNoResponders）即代表連線已失效。
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// SubjectPrefix 連線主題前綴
const SubjectPrefix = "rooms.conn."

// DefaultTimeout 單次投遞等待回覆的上限
const DefaultTimeout = 2 * time.Second

// 回覆內容
var (
	replyOK   = []byte("ok")
	replyGone = []byte("gone")
)

// Subject 連線對應的主題
func Subject(connID string) string {
	return SubjectPrefix + connID
}

// Connect 連接 NATS
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Sender 先嘗試本機投遞，本機沒有該連線時經 NATS 轉送
type Sender struct {
	conn    *nats.Conn
	local   broadcast.Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewSender 創建跨節點 Sender，local 可為 nil
func NewSender(conn *nats.Conn, local broadcast.Sender, timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		conn:    conn,
		local:   local,
		timeout: timeout,
		logger:  logger,
	}
}

// Send 實現 broadcast.Sender
func (s *Sender) Send(ctx context.Context, connID string, payload []byte) error {
	if s.local != nil {
		err := s.local.Send(ctx, connID, payload)
		if !apperrors.IsStaleConnection(err) {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.conn.RequestWithContext(ctx, Subject(connID), payload)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return apperrors.ErrGone.WithDetails(connID)
	case err != nil:
		return fmt.Errorf("relay to %s: %w", connID, err)
	}

	if string(reply.Data) != string(replyOK) {
		return apperrors.ErrGone.WithDetails(connID)
	}
	return nil
}

// Node 節點側：為本機連線訂閱主題
type Node struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNode 創建節點
func NewNode(conn *nats.Conn, logger *slog.Logger) *Node {
	return &Node{conn: conn, logger: logger}
}

// DeliverFunc 將訊息寫入本機連線
type DeliverFunc func(payload []byte) error

// Attach 訂閱連線主題，返回取消訂閱函數
func (n *Node) Attach(connID string, deliver DeliverFunc) (func(), error) {
	sub, err := n.conn.Subscribe(Subject(connID), func(msg *nats.Msg) {
		reply := replyOK
		if err := deliver(msg.Data); err != nil {
			n.logger.Warn("轉送投遞失敗",
				"connection_id", connID,
				"error", err)
			reply = replyGone
		}
		if err := msg.Respond(reply); err != nil {
			n.logger.Warn("回覆轉送失敗", "connection_id", connID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", connID, err)
	}
	// 確保訂閱已送達伺服器，避免剛建立的連線收不到第一則推送
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			n.logger.Warn("取消訂閱失敗", "connection_id", connID, "error", err)
		}
	}, nil
}
