package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-room-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// uniqueViolation PostgreSQL 唯一約束錯誤碼
const uniqueViolation = "23505"

// PostgresStore PostgreSQL 房間儲存
//
// 版本檢查由條件 UPDATE 完成：
//
//	UPDATE rooms SET version = version + 1 WHERE id = $1 AND version = $2
//
// 影響 0 行代表版本不符（或房間不存在）。成員的變更與版本遞增在同一個交易中提交，
// 交易範圍只涵蓋單一房間。
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore 創建 PostgreSQL 房間儲存
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Create 條件建立
func (s *PostgresStore) Create(ctx context.Context, r *room.Room) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// 過期但尚未被清理的房間不佔用 ID
		if _, err := tx.Exec(ctx,
			`DELETE FROM rooms WHERE id = $1 AND expires_at < $2`, r.ID, s.now()); err != nil {
			return fmt.Errorf("purge expired room: %w", err)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, type, stage, pos_limit, body, version, created_at, expires_at)
			VALUES ($1, $2, $3, $4, NULL, 1, $5, $6)`,
			r.ID, r.Type, string(r.Stage), r.PosLimit, r.CreatedAt, r.ExpiresAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return apperrors.ErrRoomExists
			}
			return fmt.Errorf("insert room: %w", err)
		}

		return insertMembers(ctx, tx, r.ID, r.Members)
	})
}

// Get 讀取房間
func (s *PostgresStore) Get(ctx context.Context, id string) (*room.Room, error) {
	r := &room.Room{ID: id}
	var (
		stage string
		body  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT type, stage, pos_limit, body, version, created_at, expires_at
		FROM rooms WHERE id = $1 AND expires_at > $2`, id, s.now()).
		Scan(&r.Type, &stage, &r.PosLimit, &body, &r.Version, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}
	r.Stage = room.Stage(stage)
	if len(body) > 0 {
		r.Body = json.RawMessage(body)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT uuid, name, avatar, COALESCE(connection_id, ''), position
		FROM room_members WHERE room_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (room.Member, error) {
		var m room.Member
		err := row.Scan(&m.UUID, &m.Name, &m.Avatar, &m.ConnectionID, &m.Position)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	r.Members = members
	if r.Members == nil {
		r.Members = []room.Member{}
	}
	return r, nil
}

// Replace 全量替換
func (s *PostgresStore) Replace(ctx context.Context, r *room.Room, expectedVersion int64) error {
	return s.versioned(ctx, r.ID, expectedVersion, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE rooms SET type = $2, stage = $3, pos_limit = $4, body = $5 WHERE id = $1`,
			r.ID, r.Type, string(r.Stage), r.PosLimit, nullableJSON(r.Body)); err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1`, r.ID); err != nil {
			return fmt.Errorf("clear members: %w", err)
		}
		return insertMembers(ctx, tx, r.ID, r.Members)
	})
}

// UpsertMember 單點寫入成員
func (s *PostgresStore) UpsertMember(ctx context.Context, roomID string, index int, m room.Member, expectedVersion int64) error {
	return s.versioned(ctx, roomID, expectedVersion, func(tx pgx.Tx) error {
		if index < 0 {
			_, err := tx.Exec(ctx, `
				INSERT INTO room_members (room_id, idx, uuid, name, avatar, connection_id, position)
				SELECT $1, COALESCE(MAX(idx) + 1, 0), $2, $3, $4, $5, $6
				FROM room_members WHERE room_id = $1`,
				roomID, m.UUID, m.Name, m.Avatar, nullableString(m.ConnectionID), m.Position)
			if err != nil {
				return fmt.Errorf("append member: %w", err)
			}
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE room_members
			SET uuid = $3, name = $4, avatar = $5, connection_id = $6, position = $7
			WHERE room_id = $1 AND idx = $2`,
			roomID, index, m.UUID, m.Name, m.Avatar, nullableString(m.ConnectionID), m.Position)
		if err != nil {
			return fmt.Errorf("update member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.ErrInvalidParam.WithDetails("member index out of range")
		}
		return nil
	})
}

// DeleteMember 移除成員，之後的成員索引前移
func (s *PostgresStore) DeleteMember(ctx context.Context, roomID string, index int, expectedVersion int64) error {
	return s.versioned(ctx, roomID, expectedVersion, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM room_members WHERE room_id = $1 AND idx = $2`, roomID, index)
		if err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.ErrInvalidParam.WithDetails("member index out of range")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE room_members SET idx = idx - 1 WHERE room_id = $1 AND idx > $2`, roomID, index); err != nil {
			return fmt.Errorf("shift members: %w", err)
		}
		return nil
	})
}

// UpdateGame 更新階段與遊戲狀態
func (s *PostgresStore) UpdateGame(ctx context.Context, roomID string, stage room.Stage, body json.RawMessage, expectedVersion int64) error {
	return s.versioned(ctx, roomID, expectedVersion, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET stage = $2, body = $3 WHERE id = $1`,
			roomID, string(stage), nullableJSON(body)); err != nil {
			return fmt.Errorf("update game: %w", err)
		}
		return nil
	})
}

// versioned 在交易中先做版本條件遞增，成功後執行 fn
func (s *PostgresStore) versioned(ctx context.Context, roomID string, expectedVersion int64, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rooms SET version = version + 1
			WHERE id = $1 AND version = $2 AND expires_at > $3`,
			roomID, expectedVersion, s.now())
		if err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missOrConflict(ctx, tx, roomID)
		}
		return fn(tx)
	})
}

// missOrConflict 區分房間不存在與版本不符
func (s *PostgresStore) missOrConflict(ctx context.Context, tx pgx.Tx, roomID string) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1 AND expires_at > $2)`, roomID, s.now()).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if !exists {
		return apperrors.ErrRoomNotFound
	}
	return apperrors.ErrVersionConflict.WithDetails(roomID)
}

func insertMembers(ctx context.Context, tx pgx.Tx, roomID string, members []room.Member) error {
	if len(members) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(members))
	for i, m := range members {
		rows = append(rows, []any{roomID, i, m.UUID, m.Name, m.Avatar, nullableString(m.ConnectionID), m.Position})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"room_members"},
		[]string{"room_id", "idx", "uuid", "name", "avatar", "connection_id", "position"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert members: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(body json.RawMessage) []byte {
	if len(body) == 0 {
		return nil
	}
	return body
}

// PostgresRegistry PostgreSQL 連線紀錄
type PostgresRegistry struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRegistry 創建 PostgreSQL 連線紀錄
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool, now: time.Now}
}

// Register 建立或刷新連線紀錄
func (r *PostgresRegistry) Register(ctx context.Context, connID, roomID string, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connections (connection_id, room_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO UPDATE SET room_id = EXCLUDED.room_id, expires_at = EXCLUDED.expires_at`,
		connID, roomID, r.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

// Consume 讀取並刪除連線紀錄
func (r *PostgresRegistry) Consume(ctx context.Context, connID string) (string, error) {
	var (
		roomID    string
		expiresAt time.Time
	)
	err := r.pool.QueryRow(ctx,
		`DELETE FROM connections WHERE connection_id = $1 RETURNING room_id, expires_at`, connID).
		Scan(&roomID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("consume connection: %w", err)
	}
	if r.now().After(expiresAt) {
		return "", apperrors.ErrConnectionNotFound
	}
	return roomID, nil
}
