package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewClientFromRedis(rdb), mr
}

func TestClient_SetGet(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()

	err := c.Set(context.Background(), "k", "v", 0)
	assert.NoError(t, err)

	got, err := c.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestClient_Get_NotFound(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_HSetHGetAll(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()

	err := c.HSet(context.Background(), "hash:p1", map[string]string{"role": "moderator", "name": "Alice"})
	assert.NoError(t, err)

	got, err := c.HGetAll(context.Background(), "hash:p1")
	assert.NoError(t, err)
	assert.Equal(t, "moderator", got["role"])
	assert.Equal(t, "Alice", got["name"])
}

func TestClient_SetAddIsMemberRemove(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.SetAdd(ctx, "banned:room-1", "user-1"))

	ok, err := c.IsMember(ctx, "banned:room-1", "user-1")
	assert.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.SetRemove(ctx, "banned:room-1", "user-1"))
	ok, err = c.IsMember(ctx, "banned:room-1", "user-1")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_AdmitParticipant_AtomicTransition(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.SetAdd(ctx, "waiting:room-1", "p1"))

	err := c.AdmitParticipant(ctx, "participants:room-1", "waiting:room-1", "hash:room-1:p1", "p1", map[string]string{"role": "participant"})
	assert.NoError(t, err)

	inWaiting, _ := c.IsMember(ctx, "waiting:room-1", "p1")
	inParticipants, _ := c.IsMember(ctx, "participants:room-1", "p1")
	assert.False(t, inWaiting)
	assert.True(t, inParticipants)

	hash, err := c.HGetAll(ctx, "hash:room-1:p1")
	assert.NoError(t, err)
	assert.Equal(t, "participant", hash["role"])
}

func TestClient_RemoveParticipant_ClearsBothSetsAndHash(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.AdmitParticipant(ctx, "participants:room-1", "waiting:room-1", "hash:room-1:p1", "p1", map[string]string{"role": "participant"}))

	err := c.RemoveParticipant(ctx, "participants:room-1", "waiting:room-1", "hash:room-1:p1", "p1")
	assert.NoError(t, err)

	inWaiting, _ := c.IsMember(ctx, "waiting:room-1", "p1")
	inParticipants, _ := c.IsMember(ctx, "participants:room-1", "p1")
	assert.False(t, inWaiting)
	assert.False(t, inParticipants)

	hash, err := c.HGetAll(ctx, "hash:room-1:p1")
	assert.NoError(t, err)
	assert.Empty(t, hash)
}

func TestClient_Expire(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Expire(ctx, "k", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
