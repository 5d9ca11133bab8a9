package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnreadStoreIncrementAndGet(t *testing.T) {
	store := NewUnreadStore(newTestRedis(t))
	ctx := context.Background()

	n, err := store.Get(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = store.Increment(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Increment(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Get(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUnreadStoreResetIsIdempotent(t *testing.T) {
	store := NewUnreadStore(newTestRedis(t))
	ctx := context.Background()

	_, err := store.Increment(ctx, "u:alice", "chat-1")
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "u:alice", "chat-1"))
	require.NoError(t, store.Reset(ctx, "u:alice", "chat-1"))

	n, err := store.Get(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUnreadStoreCountersAreIndependent(t *testing.T) {
	store := NewUnreadStore(newTestRedis(t))
	ctx := context.Background()

	_, err := store.Increment(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	_, err = store.Increment(ctx, "u:alice", "chat-2")
	require.NoError(t, err)
	_, err = store.Increment(ctx, "a:visitor", "chat-1")
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "u:alice", "chat-1"))

	n, err := store.Get(ctx, "u:alice", "chat-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Get(ctx, "a:visitor", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUnreadStoreTotalSumsAcrossChats(t *testing.T) {
	store := NewUnreadStore(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Increment(ctx, "u:alice", "chat-1")
		require.NoError(t, err)
	}
	_, err := store.Increment(ctx, "u:alice", "chat-2")
	require.NoError(t, err)

	total, err := store.Total(ctx, "u:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}

func TestUnreadStoreSetAbsolute(t *testing.T) {
	store := NewUnreadStore(newTestRedis(t))
	ctx := context.Background()

	require.NoError(t, store.SetAbsolute(ctx, "u:alice", "chat-1", 7))
	n, err := store.Get(ctx, "u:alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	// Zero clears the field instead of storing a zero.
	require.NoError(t, store.SetAbsolute(ctx, "u:alice", "chat-1", 0))
	snap, err := store.Snapshot(ctx, "u:alice")
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestUnreadStoreSnapshot(t *testing.T) {
	store := NewUnreadStore(newTestRedis(t))
	ctx := context.Background()

	require.NoError(t, store.SetAbsolute(ctx, "u:alice", "chat-1", 2))
	require.NoError(t, store.SetAbsolute(ctx, "u:alice", "chat-2", 5))

	snap, err := store.Snapshot(ctx, "u:alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"chat-1": 2, "chat-2": 5}, snap)
}
