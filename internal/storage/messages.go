package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-room-sync/internal/chat"
)

// PostgresMessages PostgreSQL 聊天紀錄
type PostgresMessages struct {
	pool *pgxpool.Pool
}

// NewPostgresMessages 創建 PostgreSQL 聊天紀錄
func NewPostgresMessages(pool *pgxpool.Pool) *PostgresMessages {
	return &PostgresMessages{pool: pool}
}

// Append 追加訊息
func (s *PostgresMessages) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := chat.Validate(msg); err != nil {
		return chat.Message{}, err
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender_id, content, type, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		msg.RoomID, msg.SenderID, msg.Content, msg.Type, nullableJSON(msg.Metadata)).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Query 由新到舊分頁
func (s *PostgresMessages) Query(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	before := q.Before
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender_id, content, type, COALESCE(metadata, 'null'::jsonb), created_at
		FROM messages
		WHERE room_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, q.RoomID, before, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var (
			m    chat.Message
			meta []byte
		)
		err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Type, &meta, &m.CreatedAt)
		if string(meta) != "null" {
			m.Metadata = meta
		}
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}
