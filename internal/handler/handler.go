// Package handler HTTP API：建立與查詢房間、聊天紀錄、健康檢查
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-room-sync/internal/auth"
	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	"github.com/koopa0/system-design/14-room-sync/internal/chat"
	"github.com/koopa0/system-design/14-room-sync/internal/lobby"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
	"github.com/koopa0/system-design/14-room-sync/pkg/shortid"
)

// Handler HTTP 請求處理器
type Handler struct {
	rooms  *room.Service
	chat   chat.Store
	fanout lobby.Broadcaster
	auth   auth.Authenticator
	stats  func() map[string]any
	logger *slog.Logger
}

// Deps 處理器依賴，Fanout、Auth、Stats 可為 nil
type Deps struct {
	Rooms  *room.Service
	Chat   chat.Store
	Fanout lobby.Broadcaster
	Auth   auth.Authenticator
	Stats  func() map[string]any
	Logger *slog.Logger
}

// New 創建 HTTP 處理器
func New(deps Deps) *Handler {
	return &Handler{
		rooms:  deps.Rooms,
		chat:   deps.Chat,
		fanout: deps.Fanout,
		auth:   deps.Auth,
		stats:  deps.Stats,
		logger: deps.Logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：恢復 -> 日誌 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/messages", wrap(h.listMessages))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/messages", wrap(h.postMessage))

	mux.HandleFunc("GET /health", wrap(h.health))

	return mux
}

type createRoomRequest struct {
	Type string `json:"type"`
}

// createRoom 建立房間，type 取自查詢參數或 JSON body
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	roomType := r.URL.Query().Get("type")
	if roomType == "" && r.ContentLength != 0 {
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, r, apperrors.ErrInvalidParam.WithDetails("invalid request body"))
			return
		}
		roomType = req.Type
	}

	created, err := h.rooms.CreateRoom(r.Context(), roomType)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, created, http.StatusCreated)
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	found, err := h.rooms.GetRoom(r.Context(), r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, found, http.StatusOK)
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"hasMore"`
}

// listMessages 聊天紀錄，由新到舊；before 為 RFC3339 時間
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	q := chat.Query{RoomID: roomID}

	query := r.URL.Query()
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			h.errorResponse(w, r, apperrors.ErrInvalidParam.WithDetails("limit must be a positive integer"))
			return
		}
		q.Limit = limit
	}
	if v := query.Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.errorResponse(w, r, apperrors.ErrInvalidParam.WithDetails("before must be RFC3339"))
			return
		}
		q.Before = before
	}

	q, err := q.Normalize()
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	messages, err := h.chat.Query(r.Context(), q)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	h.jsonResponse(w, messagesResponse{
		Messages: messages,
		HasMore:  len(messages) == q.Limit,
	}, http.StatusOK)
}

type postMessageRequest struct {
	Content  string          `json:"content"`
	Type     string          `json:"type"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// postMessage 發送聊天訊息，發送者取自 Bearer 憑證
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		h.errorResponse(w, r, apperrors.ErrUnauthorized.WithDetails("authentication is not configured"))
		return
	}
	senderID, err := h.auth.Verify(auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, r, apperrors.ErrInvalidParam.WithDetails("invalid request body"))
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}

	ctx := logger.WithRoomID(r.Context(), r.PathValue("room_id"))
	target, err := h.rooms.GetRoom(ctx, r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	saved, err := h.chat.Append(ctx, chat.Message{
		RoomID:   target.ID,
		SenderID: senderID,
		Content:  req.Content,
		Type:     req.Type,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	if h.fanout != nil {
		name := senderID
		if _, m := target.MemberByUUID(senderID); m != nil && m.Name != "" {
			name = m.Name
		}
		err := h.fanout.Broadcast(ctx, target, broadcast.ChatMessage{
			Action:  broadcast.ActionMessage,
			Sender:  senderID,
			Name:    name,
			Message: saved.Content,
			SentAt:  saved.CreatedAt,
		})
		if err != nil {
			h.logger.WarnContext(ctx, "聊天推送失敗", "error", err)
		}
	}

	h.jsonResponse(w, saved, http.StatusCreated)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}
	if h.stats != nil {
		for k, v := range h.stats() {
			resp[k] = v
		}
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// errorResponse 依錯誤碼返回錯誤響應，內部錯誤不外露細節
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	body := errorBody{Error: "Internal error", Code: apperrors.ErrCodeInternal}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body = errorBody{Error: appErr.Message, Code: appErr.Code, Details: appErr.Details}
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "請求失敗",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	h.jsonResponse(w, body, status)
}

// loggerMiddleware 日誌中間件，為每個請求產生 request id
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			if id, err := shortid.Generate(12); err == nil {
				requestID = id
			}
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)
				h.jsonResponse(w, errorBody{Error: "Internal error", Code: apperrors.ErrCodeInternal},
					http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
