package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/auth"
	"github.com/koopa0/system-design/14-room-sync/internal/broadcast"
	"github.com/koopa0/system-design/14-room-sync/internal/chat"
	"github.com/koopa0/system-design/14-room-sync/internal/game"
	"github.com/koopa0/system-design/14-room-sync/internal/game/gomoku"
	"github.com/koopa0/system-design/14-room-sync/internal/room"
	"github.com/koopa0/system-design/14-room-sync/internal/session"
	"github.com/koopa0/system-design/14-room-sync/internal/storage"
	"github.com/koopa0/system-design/14-room-sync/internal/testutils"
	"github.com/koopa0/system-design/14-room-sync/internal/transport"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

type gateway struct {
	server *httptest.Server
	hub    *transport.Hub
	store  *storage.MemoryStore
	roomID string
}

func newGateway(t *testing.T, opts transport.Options) *gateway {
	t.Helper()

	store := storage.NewMemoryStore()
	hub := transport.NewHub(opts, logger.Discard())

	svc, err := session.NewService(session.Deps{
		Rooms:    store,
		Registry: storage.NewMemoryRegistry(),
		Fanout:   broadcast.NewFanout(hub, logger.Discard(), 0),
		Games:    game.NewRegistry(gomoku.New(gomoku.DefaultConfig())),
		Chat:     chat.NewMemoryStore(),
		Logger:   logger.Discard(),
	}, session.Options{})
	require.NoError(t, err)

	r, err := room.NewService(store, room.DefaultOptions(), logger.Discard()).CreateRoom(context.Background(), gomoku.Type)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.Handler(svc))
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})

	return &gateway{server: server, hub: hub, store: store, roomID: r.ID}
}

func (g *gateway) url(query string) string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws?" + query
}

func (g *gateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func join(uuid string) map[string]any {
	return map[string]any{
		"action":    "lobby",
		"subAction": "join",
		"user":      map[string]string{"uuid": uuid, "name": uuid},
	}
}

func TestHub_JoinBroadcastsAndInits(t *testing.T) {
	g := newGateway(t, transport.Options{})

	alice := g.dial(t, "room="+g.roomID)
	send(t, alice, join("alice"))
	assert.Equal(t, broadcast.ActionRoom, receive(t, alice)["action"])
	initMsg := receive(t, alice)
	assert.Equal(t, broadcast.ActionInit, initMsg["action"])
	assert.Equal(t, "alice", initMsg["me"].(map[string]any)["uuid"])

	// 房間也可以在第一則訊息中指定
	bob := g.dial(t, "")
	msg := join("bob")
	msg["room"] = g.roomID
	send(t, bob, msg)

	update := receive(t, alice)
	assert.Equal(t, broadcast.ActionRoom, update["action"])
	members := update["room"].(map[string]any)["members"].([]any)
	assert.Len(t, members, 2)
	assert.Equal(t, 2, g.hub.Count())
}

func TestHub_ErrorsGoToSenderOnly(t *testing.T) {
	g := newGateway(t, transport.Options{})

	alice := g.dial(t, "room="+g.roomID)
	send(t, alice, join("alice"))
	receive(t, alice)
	receive(t, alice)

	stranger := g.dial(t, "room="+g.roomID)
	send(t, stranger, map[string]any{"action": "lobby", "subAction": "changePosition", "position": 1})

	reply := receive(t, stranger)
	assert.Equal(t, broadcast.ActionError, reply["action"])
	assert.Equal(t, apperrors.ErrCodeInvalidUser, reply["code"])
	assert.Equal(t, "changePosition", reply["subAction"])

	send(t, stranger, map[string]any{"action": "ping"})
	assert.Equal(t, "pong", receive(t, stranger)["action"])
}

func TestHub_UnknownRoomKeepsSocketOpen(t *testing.T) {
	g := newGateway(t, transport.Options{})

	conn := g.dial(t, "room=ZZZZ")
	reply := receive(t, conn)
	assert.Equal(t, apperrors.ErrCodeNotFound, reply["code"])
	assert.Equal(t, session.RouteConnect, reply["route"])

	send(t, conn, map[string]any{"action": "ping"})
	assert.Equal(t, "pong", receive(t, conn)["action"])
}

func TestHub_CloseRunsDisconnect(t *testing.T) {
	g := newGateway(t, transport.Options{})

	alice := g.dial(t, "room="+g.roomID)
	send(t, alice, join("alice"))
	receive(t, alice)
	receive(t, alice)

	bob := g.dial(t, "room="+g.roomID)
	send(t, bob, join("bob"))
	receive(t, bob)
	receive(t, bob)
	receive(t, alice)

	require.NoError(t, bob.Close())

	notice := receive(t, alice)
	assert.Equal(t, broadcast.ActionUserDisconnected, notice["action"])
	assert.Equal(t, "bob", notice["uuid"])

	testutils.WaitForCondition(t, 2*time.Second, func() bool { return g.hub.Count() == 1 })
	r, err := g.store.Get(context.Background(), g.roomID)
	require.NoError(t, err)
	require.Len(t, r.Members, 1)
	assert.Equal(t, "alice", r.Members[0].UUID)
}

func TestHub_RebindToAnotherRoomRejected(t *testing.T) {
	g := newGateway(t, transport.Options{})
	other, err := room.NewService(g.store, room.DefaultOptions(), logger.Discard()).CreateRoom(context.Background(), gomoku.Type)
	require.NoError(t, err)

	alice := g.dial(t, "room="+g.roomID)
	send(t, alice, join("alice"))
	receive(t, alice)
	receive(t, alice)

	send(t, alice, map[string]any{"action": session.RouteConnect, "room": other.ID})
	reply := receive(t, alice)
	assert.Equal(t, broadcast.ActionError, reply["action"])
	assert.Equal(t, apperrors.ErrCodeValidation, reply["code"])
	assert.Equal(t, session.RouteConnect, reply["route"])

	// 同一個房間重複 connect 不回覆錯誤
	send(t, alice, map[string]any{"action": session.RouteConnect, "room": g.roomID})
	send(t, alice, map[string]any{"action": "ping"})
	assert.Equal(t, "pong", receive(t, alice)["action"])

	require.NoError(t, alice.Close())
	testutils.WaitForCondition(t, 2*time.Second, func() bool {
		r, err := g.store.Get(context.Background(), g.roomID)
		return err == nil && len(r.Members) == 0
	})
}

func TestHub_AllowedOrigins(t *testing.T) {
	g := newGateway(t, transport.Options{AllowedOrigins: []string{"https://play.local"}})

	_, resp, err := websocket.DefaultDialer.Dial(g.url("room="+g.roomID),
		http.Header{"Origin": []string{"https://elsewhere.local"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(g.url("room="+g.roomID),
		http.Header{"Origin": []string{"https://play.local"}})
	require.NoError(t, err)
	_ = conn.Close()

	// 沒有 Origin 標頭的客戶端不檢查
	g.dial(t, "room="+g.roomID)
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	hub := transport.NewHub(transport.Options{}, logger.Discard())
	err := hub.Send(context.Background(), "missing", []byte("{}"))
	assert.True(t, apperrors.IsStaleConnection(err))
}

func TestHub_RequireAuth(t *testing.T) {
	signer := auth.NewHMAC("secret", time.Hour)
	g := newGateway(t, transport.Options{Auth: signer, RequireAuth: true})

	_, resp, err := websocket.DefaultDialer.Dial(g.url("room="+g.roomID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(g.url("room="+g.roomID+"&token=forged"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := signer.Sign("alice")
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(g.url("room="+g.roomID), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// 憑證中的使用者必須與 join 的 uuid 一致
	send(t, conn, join("mallory"))
	reply := receive(t, conn)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, reply["code"])

	send(t, conn, join("alice"))
	assert.Equal(t, broadcast.ActionRoom, receive(t, conn)["action"])
}

func TestHub_StopClosesConnections(t *testing.T) {
	g := newGateway(t, transport.Options{})
	conn := g.dial(t, "room="+g.roomID)
	send(t, conn, map[string]any{"action": "ping"})
	receive(t, conn)

	g.hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, g.hub.Count())
}
