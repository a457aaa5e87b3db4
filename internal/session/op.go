package session

import (
	"fmt"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// 生命週期與動作路由
const (
	RouteConnect    = "connect"
	RouteDisconnect = "disconnect"
	RouteLobby      = "lobby"
	RouteGame       = "game"
	RouteMessage    = "message"
)

// Op 一個 (route, subAction) 組合
//
// 所有合法組合都列在 ops 表中；NewRouter 要求每個 Op 都有處理函數，
// 未知的組合在 ParseOp 就被拒絕。
type Op uint8

const (
	OpInvalid Op = iota
	OpJoin
	OpLeave
	OpChangePosition
	OpChangePosLimit
	OpChangeSelf
	OpStart
	OpMove
	OpSendMessage
	opCount
)

type opName struct {
	route     string
	subAction string
}

var ops = [opCount]opName{
	OpInvalid:        {},
	OpJoin:           {RouteLobby, "join"},
	OpLeave:          {RouteLobby, "leave"},
	OpChangePosition: {RouteLobby, "changePosition"},
	OpChangePosLimit: {RouteLobby, "changePosLimit"},
	OpChangeSelf:     {RouteLobby, "changeSelf"},
	OpStart:          {RouteGame, "start"},
	OpMove:           {RouteGame, "move"},
	OpSendMessage:    {RouteMessage, "send"},
}

// 舊客戶端使用的名稱
var aliases = map[opName]Op{
	{RouteGame, "startGame"}: OpStart,
	{RouteGame, "doMove"}:    OpMove,
	{"wuziqi", "start"}:      OpStart,
	{"wuziqi", "startGame"}:  OpStart,
	{"wuziqi", "move"}:       OpMove,
	{"wuziqi", "doMove"}:     OpMove,
	{RouteMessage, ""}:       OpSendMessage,
}

var byName = func() map[opName]Op {
	m := make(map[opName]Op, len(ops)+len(aliases))
	for op := OpJoin; op < opCount; op++ {
		m[ops[op]] = op
	}
	for name, op := range aliases {
		m[name] = op
	}
	return m
}()

// ParseOp 解析 (route, subAction)
func ParseOp(route, subAction string) (Op, error) {
	op, ok := byName[opName{route, subAction}]
	if !ok {
		return OpInvalid, apperrors.ErrInvalidParam.WithDetails(
			fmt.Sprintf("unknown action %s/%s", route, subAction))
	}
	return op, nil
}

// AllOps 所有合法的 Op
func AllOps() []Op {
	out := make([]Op, 0, opCount-1)
	for op := OpJoin; op < opCount; op++ {
		out = append(out, op)
	}
	return out
}

// Route 所屬路由
func (o Op) Route() string {
	if o >= opCount {
		return ""
	}
	return ops[o].route
}

// SubAction 子動作名稱
func (o Op) SubAction() string {
	if o >= opCount {
		return ""
	}
	return ops[o].subAction
}

// String 實現 fmt.Stringer
func (o Op) String() string {
	if o == OpInvalid || o >= opCount {
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
	return ops[o].route + "/" + ops[o].subAction
}

// RequiresMember 除了 join 以外，動作都必須由房間成員發起
func (o Op) RequiresMember() bool {
	return o != OpJoin
}
