package rediskv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/orderforge/workorder/internal/lease"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func TestAcquire_FreeKey(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	err := b.Acquire(ctx, "i1", "agent-1", time.Minute)

	require.NoError(t, err)
	owner, ok, err := b.GetOwner(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "agent-1", owner)
}

func TestAcquire_ConflictWhenHeldByOther(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))

	err := b.Acquire(ctx, "i1", "agent-2", time.Minute)

	require.ErrorIs(t, err, lease.ErrConflict)
}

func TestAcquire_IdempotentReacquireBySameAgent(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))

	err := b.Acquire(ctx, "i1", "agent-1", 2*time.Minute)

	require.NoError(t, err)
	ttl, ok, err := b.GetTTL(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, ttl, time.Minute)
}

func TestAcquire_AfterExpiry(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))
	mr.FastForward(2 * time.Minute)

	err := b.Acquire(ctx, "i1", "agent-2", time.Minute)

	require.NoError(t, err)
	owner, _, _ := b.GetOwner(ctx, "i1")
	require.Equal(t, "agent-2", owner)
}

func TestExtend_WrongOwnerConflicts(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))

	err := b.Extend(ctx, "i1", "agent-2", time.Minute)

	require.ErrorIs(t, err, lease.ErrConflict)
}

func TestExtend_OwnerExtendsTTL(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Second))

	err := b.Extend(ctx, "i1", "agent-1", time.Hour)

	require.NoError(t, err)
	ttl, ok, err := b.GetTTL(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, ttl, time.Minute)
}

func TestRelease_WrongOwnerConflicts(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))

	err := b.Release(ctx, "i1", "agent-2")

	require.ErrorIs(t, err, lease.ErrConflict)
}

func TestRelease_OwnerClearsKey(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))

	err := b.Release(ctx, "i1", "agent-1")

	require.NoError(t, err)
	_, ok, err := b.GetOwner(ctx, "i1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetAllLeases(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))
	require.NoError(t, b.Acquire(ctx, "i2", "agent-2", time.Minute))

	all, err := b.GetAllLeases(ctx)

	require.NoError(t, err)
	require.Equal(t, map[string]string{"i1": "agent-1", "i2": "agent-2"}, all)
}

func TestClearAll(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, "i1", "agent-1", time.Minute))

	require.NoError(t, b.ClearAll(ctx))

	all, err := b.GetAllLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
