// Package transport WebSocket 閘道
//
// Hub 管理本節點上的所有連線：
//   - 升級連線並分配 connection id（uuid）
//   - 讀取入站事件交給 Session 處理，錯誤只回給發起者
//   - 實現 broadcast.Sender，將推送寫入本機連線
//   - Ping/Pong 心跳檢測死連線（54s / 60s）
//
// 連線關閉時呼叫 Session.Disconnect；閘道本身不保存任何房間狀態。
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-room-sync/internal/auth"
	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	"github.com/koopa0/system-design/14-room-sync/internal/relay"
	"github.com/koopa0/system-design/14-room-sync/internal/session"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

// 心跳與寫入參數
const (
	DefaultWriteWait  = 10 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = 54 * time.Second
	DefaultSendBuffer = 256

	disconnectTimeout = 10 * time.Second
)

// Session 會話服務（session.Service）
type Session interface {
	Connect(ctx context.Context, connID, roomID string) error
	Disconnect(ctx context.Context, connID string) error
	Handle(ctx context.Context, connID, roomID, userID, route, subAction string, body json.RawMessage) error
}

// Attacher 跨節點訂閱（relay.Node）
type Attacher interface {
	Attach(connID string, deliver relay.DeliverFunc) (func(), error)
}

// Options 閘道參數
type Options struct {
	Auth        auth.Authenticator // nil 表示不驗證
	RequireAuth bool
	Node        Attacher // nil 表示單節點
	WriteWait   time.Duration
	PongWait    time.Duration
	PingPeriod  time.Duration
	SendBuffer  int

	// AllowedOrigins 允許的 Origin，空表示不檢查，"*" 允許全部
	AllowedOrigins []string
}

// checkOrigin 非瀏覽器客戶端沒有 Origin 標頭，直接放行
func (o Options) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(o.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range o.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (o *Options) setDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
}

// Hub 本節點的連線中心
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    map[string]*Connection
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewHub 創建閘道
func NewHub(opts Options, logger *slog.Logger) *Hub {
	opts.setDefaults()
	return &Hub{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     opts.checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Connection),
	}
}

// Handler 返回 WebSocket 入口
//
// 房間 ID 取自查詢參數 room，也可以在第一則訊息的 room 欄位指定。
// 憑證取自查詢參數 token 或 Authorization 標頭。
func (h *Hub) Handler(sess Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticate(r)
		if err != nil {
			h.logger.Warn("拒絕未授權的連線", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("升級 WebSocket 失敗", "error", err)
			return
		}

		c := &Connection{
			ID:      uuid.NewString(),
			UserID:  userID,
			hub:     h,
			session: sess,
			ws:      ws,
			send:    make(chan []byte, h.opts.SendBuffer),
		}
		h.register(c)

		if h.opts.Node != nil {
			detach, err := h.opts.Node.Attach(c.ID, c.enqueue)
			if err != nil {
				h.logger.Warn("跨節點訂閱失敗", "connection_id", c.ID, "error", err)
			} else {
				c.detach = detach
			}
		}

		h.logger.Info("WebSocket 連接建立",
			"connection_id", c.ID,
			"user_id", userID)

		if roomID := r.URL.Query().Get("room"); roomID != "" {
			c.bind(c.logContext(), roomID)
		}

		h.wg.Add(2)
		go c.writePump()
		go c.readPump()
	}
}

func (h *Hub) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		if h.opts.RequireAuth {
			return "", apperrors.ErrUnauthorized.WithDetails("token is required")
		}
		return "", nil
	}
	if h.opts.Auth == nil {
		return "", nil
	}
	return h.opts.Auth.Verify(token)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	if h.conns[c.ID] == c {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()
	c.closeSend()
}

// Send 實現 broadcast.Sender，連線不在本節點時返回 ErrGone
func (h *Hub) Send(_ context.Context, connID string, payload []byte) error {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()

	if c == nil {
		return apperrors.ErrGone.WithDetails(connID)
	}
	return c.enqueue(payload)
}

// Count 本節點連線數
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop 關閉所有連線並等待斷線處理完成
func (h *Hub) Stop() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeSend()
		_ = c.ws.Close()
	}
	h.wg.Wait()

	h.logger.Info("WebSocket Hub 已停止", "closed", len(conns))
}

// Connection 一條 WebSocket 連線
type Connection struct {
	ID     string
	UserID string

	hub     *Hub
	session Session
	ws      *websocket.Conn
	send    chan []byte
	detach  func()

	mu     sync.Mutex
	roomID string
	closed bool
}

func (c *Connection) logContext() context.Context {
	ctx := logger.WithConnectionID(context.Background(), c.ID)
	if roomID := c.room(); roomID != "" {
		ctx = logger.WithRoomID(ctx, roomID)
	}
	return ctx
}

func (c *Connection) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// bind 將連線綁定到房間；房間不存在時回報錯誤但保持連線
//
// 一條連線只屬於一個房間，已綁定後不能改綁其他房間。
func (c *Connection) bind(ctx context.Context, roomID string) bool {
	if current := c.room(); current != "" {
		if current == roomID {
			return true
		}
		c.reply(broadcast.Failure(
			apperrors.ErrInvalidParam.WithDetails("connection already bound to room "+current),
			session.RouteConnect, ""))
		return false
	}

	if err := c.session.Connect(ctx, c.ID, roomID); err != nil {
		c.hub.logger.InfoContext(ctx, "連線綁定房間失敗",
			"room_id", roomID,
			"error", err)
		c.reply(broadcast.Failure(err, session.RouteConnect, ""))
		return false
	}

	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
	return true
}

// enqueue 非阻塞寫入發送緩衝區
func (c *Connection) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return apperrors.ErrGone.WithDetails(c.ID)
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.hub.logger.Warn("連接緩衝區滿", "connection_id", c.ID)
		return apperrors.ErrGone.WithDetails("send buffer full")
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("編碼回覆失敗", "error", err)
		return
	}
	_ = c.enqueue(data)
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		if c.detach != nil {
			c.detach()
		}
		_ = c.ws.Close()

		if c.room() != "" {
			ctx, cancel := context.WithTimeout(c.logContext(), disconnectTimeout)
			if err := c.session.Disconnect(ctx, c.ID); err != nil {
				c.hub.logger.ErrorContext(ctx, "斷線處理失敗", "error", err)
			}
			cancel()
		}
		c.hub.logger.Info("WebSocket 連接關閉", "connection_id", c.ID)
		c.hub.wg.Done()
	}()

	pongWait := c.hub.opts.PongWait
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			return
		}
		if messageType == websocket.TextMessage {
			if !c.handleMessage(message) {
				return
			}
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.hub.wg.Done()
	}()

	writeWait := c.hub.opts.WriteWait
	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// envelope 入站訊息的路由欄位，其餘欄位原樣交給處理函數
type envelope struct {
	Action    string `json:"action"`
	Route     string `json:"route"`
	SubAction string `json:"subAction"`
	Room      string `json:"room"`
}

const actionPing = "ping"

// handleMessage 處理一則入站訊息，返回 false 表示關閉連線
func (c *Connection) handleMessage(message []byte) bool {
	ctx := c.logContext()

	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.reply(broadcast.Failure(apperrors.ErrInvalidParam.WithDetails("malformed message"), "", ""))
		return true
	}
	route := env.Route
	if route == "" {
		route = env.Action
	}

	switch route {
	case actionPing:
		c.reply(map[string]string{"action": "pong"})
		return true
	case session.RouteConnect:
		if env.Room != "" {
			c.bind(ctx, env.Room)
		}
		return true
	case session.RouteDisconnect:
		return false
	}

	roomID := c.room()
	if roomID == "" && env.Room != "" {
		if !c.bind(ctx, env.Room) {
			return true
		}
		roomID = env.Room
		ctx = logger.WithRoomID(ctx, roomID)
	}

	if err := c.session.Handle(ctx, c.ID, roomID, c.UserID, route, env.SubAction, message); err != nil {
		c.hub.logger.InfoContext(ctx, "動作失敗",
			"route", route,
			"sub_action", env.SubAction,
			"error", err)
		c.reply(broadcast.Failure(err, route, env.SubAction))
	}
	return true
}
