package migrations_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/migrations"
	"github.com/koopa0/system-design/14-room-sync/internal/testutils"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

func tableExists(t *testing.T, dsn, table string) bool {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestMigrator_UpDownUp(t *testing.T) {
	dsn := testutils.StartPostgresDSN(t)

	m, err := migrations.New(dsn, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, m.Up())
	version, dirty, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	assert.True(t, tableExists(t, dsn, "rooms"))

	// 重複執行沒有變更
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, tableExists(t, dsn, "rooms"))
	assert.False(t, tableExists(t, dsn, "room_members"))

	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, dsn, "messages"))
}
