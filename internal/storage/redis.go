package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// Redis 資料佈局：
//
//	room:{id}          HASH  type, stage, posLimit, body, version, createdAt, ttl
//	room:{id}:members  LIST  每個元素是一個成員的 JSON（可按索引 LSET）
//	conn:{connID}      STRING roomID（SET EX，GETDEL 取出）
//
// 房間鍵的 {id} 是 hash tag，兩個鍵落在同一個 cluster slot，腳本才能同時操作。
// 兩個房間鍵都設置 EXPIREAT 為房間的 ttl，由 Redis 回收。
//
// 腳本返回碼：1 成功，0 版本衝突，-1 房間不存在，-2 索引越界
const (
	scriptOK          = 1
	scriptConflict    = 0
	scriptNotFound    = -1
	scriptOutOfRange  = -2
	deletedMemberMark = "__deleted__"
)

// createScript 條件建立：hash 已存在則返回 0
// ARGV: id, type, stage, posLimit, createdAt, ttl, members...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'type', ARGV[2], 'stage', ARGV[3], 'posLimit', ARGV[4],
	'body', '', 'version', 1, 'createdAt', ARGV[5], 'ttl', ARGV[6])
for i = 7, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('EXPIREAT', KEYS[1], ARGV[6])
redis.call('EXPIREAT', KEYS[2], ARGV[6])
return 1
`)

// versionGuard 每個寫入腳本共用的前置檢查，ARGV[1] = expectedVersion
const versionGuard = `
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
	return -1
end
if tonumber(v) ~= tonumber(ARGV[1]) then
	return 0
end
local expireAt = redis.call('HGET', KEYS[1], 'ttl')
`

// replaceScript ARGV: expected, type, stage, posLimit, body, members...
var replaceScript = redis.NewScript(versionGuard + `
redis.call('DEL', KEYS[2])
for i = 6, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('HSET', KEYS[1], 'type', ARGV[2], 'stage', ARGV[3], 'posLimit', ARGV[4], 'body', ARGV[5])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('EXPIREAT', KEYS[2], expireAt)
return 1
`)

// upsertMemberScript ARGV: expected, index, member
var upsertMemberScript = redis.NewScript(versionGuard + `
local idx = tonumber(ARGV[2])
if idx < 0 then
	redis.call('RPUSH', KEYS[2], ARGV[3])
else
	if idx >= redis.call('LLEN', KEYS[2]) then
		return -2
	end
	redis.call('LSET', KEYS[2], idx, ARGV[3])
end
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('EXPIREAT', KEYS[2], expireAt)
return 1
`)

// deleteMemberScript ARGV: expected, index
var deleteMemberScript = redis.NewScript(versionGuard + `
local idx = tonumber(ARGV[2])
if idx < 0 or idx >= redis.call('LLEN', KEYS[2]) then
	return -2
end
redis.call('LSET', KEYS[2], idx, '` + deletedMemberMark + `')
redis.call('LREM', KEYS[2], 1, '` + deletedMemberMark + `')
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// updateGameScript ARGV: expected, stage, body
var updateGameScript = redis.NewScript(versionGuard + `
redis.call('HSET', KEYS[1], 'stage', ARGV[2], 'body', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// RedisStore Redis 房間儲存
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore 創建 Redis 房間儲存
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "room:"}
}

func (s *RedisStore) keys(id string) []string {
	key := s.keyPrefix + "{" + id + "}"
	return []string{key, key + ":members"}
}

// Create 條件建立
func (s *RedisStore) Create(ctx context.Context, r *room.Room) error {
	args := []any{r.ID, r.Type, string(r.Stage), r.PosLimit, r.CreatedAt.Unix(), r.ExpiresAt.Unix()}
	members, err := encodeMembers(r.Members)
	if err != nil {
		return err
	}
	args = append(args, members...)

	res, err := createScript.Run(ctx, s.client, s.keys(r.ID), args...).Int()
	if err != nil {
		return fmt.Errorf("redis create room: %w", err)
	}
	if res == scriptConflict {
		return apperrors.ErrRoomExists
	}
	return nil
}

// Get 讀取房間（hash 與成員列表在同一個 pipeline 中讀取）
func (s *RedisStore) Get(ctx context.Context, id string) (*room.Room, error) {
	keys := s.keys(id)

	var (
		fieldsCmd  *redis.MapStringStringCmd
		membersCmd *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fieldsCmd = pipe.HGetAll(ctx, keys[0])
		membersCmd = pipe.LRange(ctx, keys[1], 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get room: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, apperrors.ErrRoomNotFound
	}

	return decodeRedisRoom(id, fields, membersCmd.Val())
}

// Replace 全量替換
func (s *RedisStore) Replace(ctx context.Context, r *room.Room, expectedVersion int64) error {
	args := []any{expectedVersion, r.Type, string(r.Stage), r.PosLimit, string(r.Body)}
	members, err := encodeMembers(r.Members)
	if err != nil {
		return err
	}
	args = append(args, members...)

	return s.run(ctx, replaceScript, r.ID, args...)
}

// UpsertMember 單點寫入成員
func (s *RedisStore) UpsertMember(ctx context.Context, roomID string, index int, m room.Member, expectedVersion int64) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	return s.run(ctx, upsertMemberScript, roomID, expectedVersion, index, string(data))
}

// DeleteMember 移除成員
func (s *RedisStore) DeleteMember(ctx context.Context, roomID string, index int, expectedVersion int64) error {
	return s.run(ctx, deleteMemberScript, roomID, expectedVersion, index)
}

// UpdateGame 更新階段與遊戲狀態
func (s *RedisStore) UpdateGame(ctx context.Context, roomID string, stage room.Stage, body json.RawMessage, expectedVersion int64) error {
	return s.run(ctx, updateGameScript, roomID, expectedVersion, string(stage), string(body))
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, roomID string, args ...any) error {
	res, err := script.Run(ctx, s.client, s.keys(roomID), args...).Int()
	if err != nil {
		return fmt.Errorf("redis write room %s: %w", roomID, err)
	}
	return scriptResult(roomID, res)
}

func encodeMembers(members []room.Member) ([]any, error) {
	out := make([]any, 0, len(members))
	for _, m := range members {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode member: %w", err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func scriptResult(roomID string, res int) error {
	switch res {
	case scriptOK:
		return nil
	case scriptConflict:
		return apperrors.ErrVersionConflict.WithDetails(roomID)
	case scriptNotFound:
		return apperrors.ErrRoomNotFound
	case scriptOutOfRange:
		return apperrors.ErrInvalidParam.WithDetails("member index out of range")
	default:
		return fmt.Errorf("unexpected script result %d", res)
	}
}

func decodeRedisRoom(id string, fields map[string]string, rawMembers []string) (*room.Room, error) {
	posLimit, err := strconv.Atoi(fields["posLimit"])
	if err != nil {
		return nil, fmt.Errorf("decode posLimit: %w", err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	createdAt, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["ttl"], 10, 64)

	r := &room.Room{
		ID:        id,
		Type:      fields["type"],
		Stage:     room.Stage(fields["stage"]),
		PosLimit:  posLimit,
		Members:   make([]room.Member, 0, len(rawMembers)),
		Version:   version,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
	}
	if body := fields["body"]; body != "" {
		r.Body = json.RawMessage(body)
	}

	for _, raw := range rawMembers {
		var m room.Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode member: %w", err)
		}
		r.Members = append(r.Members, m)
	}
	return r, nil
}

// RedisRegistry Redis 連線紀錄
type RedisRegistry struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRegistry 創建 Redis 連線紀錄
func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client, keyPrefix: "conn:"}
}

// Register 建立或刷新連線紀錄
func (r *RedisRegistry) Register(ctx context.Context, connID, roomID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+connID, roomID, ttl).Err(); err != nil {
		return fmt.Errorf("redis register connection: %w", err)
	}
	return nil
}

// Consume 讀取並刪除連線紀錄
func (r *RedisRegistry) Consume(ctx context.Context, connID string) (string, error) {
	roomID, err := r.client.GetDel(ctx, r.keyPrefix+connID).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis consume connection: %w", err)
	}
	return roomID, nil
}
