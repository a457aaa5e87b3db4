package storage_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/storage"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/koopa0/system-design/14-room-sync/pkg/logger"
)

func TestJanitor_Sweep(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := storage.NewMemoryRegistry()

	expired := newRoom("OLD1")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(ctx, expired))
	require.NoError(t, store.Create(ctx, newRoom("NEW1")))

	require.NoError(t, reg.Register(ctx, "stale", "OLD1", -time.Second))
	require.NoError(t, reg.Register(ctx, "live", "NEW1", time.Hour))

	j := storage.NewJanitor(time.Minute, logger.Discard(), store, reg)
	removed, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	assert.Equal(t, 1, store.Len())
	_, err = reg.Consume(ctx, "stale")
	assert.True(t, apperrors.IsNotFound(err))
	roomID, err := reg.Consume(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "NEW1", roomID)
}

type countingReaper struct {
	calls atomic.Int32
}

func (r *countingReaper) Reap(context.Context, time.Time) (int64, error) {
	r.calls.Add(1)
	return 0, nil
}

func TestJanitor_StartStop(t *testing.T) {
	reaper := &countingReaper{}

	j := storage.NewJanitor(10*time.Millisecond, logger.Discard(), reaper)
	j.Start()

	assert.Eventually(t, func() bool {
		return reaper.calls.Load() >= 2
	}, time.Second, 10*time.Millisecond)

	j.Stop()
	after := reaper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, reaper.calls.Load())
}

func TestMemoryStore_ExpiredIDReusable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	expired := newRoom("REU1")
	expired.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Create(ctx, expired))

	_, err := store.Get(ctx, "REU1")
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, store.Create(ctx, newRoom("REU1")))
}
