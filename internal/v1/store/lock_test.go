package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_AcquireLock_ExclusiveUntilReleased(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	l1, err := c.AcquireLock(ctx, "lock:room-1", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, l1.Token)

	_, err = c.AcquireLock(ctx, "lock:room-1", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, c.Release(ctx, l1))

	l2, err := c.AcquireLock(ctx, "lock:room-1", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, l1.Token, l2.Token)
}

func TestClient_Release_FailsForStaleToken(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	l, err := c.AcquireLock(ctx, "lock:room-1", time.Second)
	require.NoError(t, err)

	stale := &Lock{Key: l.Key, Token: "not-the-real-token"}
	err = c.Release(ctx, stale)
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestClient_Extend_RefreshesLease(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	l, err := c.AcquireLock(ctx, "lock:room-1", 500*time.Millisecond)
	require.NoError(t, err)

	err = c.Extend(ctx, l, 5*time.Second)
	assert.NoError(t, err)

	mr.FastForward(time.Second)

	_, err = c.AcquireLock(ctx, "lock:room-1", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestClient_AcquireLock_AvailableAfterLeaseExpiry(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	l1, err := c.AcquireLock(ctx, "lock:room-1", 200*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(time.Second)

	l2, err := c.AcquireLock(ctx, "lock:room-1", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, l1.Token, l2.Token)
}

func TestClient_WithLock_RunsCriticalSection(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	ran := false
	err := c.WithLock(ctx, "lock:room-1", time.Second, func(ctx context.Context, l *Lock) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestClient_WithLock_RetriesOnContention(t *testing.T) {
	c, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	held, err := c.AcquireLock(ctx, "lock:room-1", 50*time.Millisecond)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.Release(ctx, held)
	}()

	ran := false
	err = c.WithLock(ctx, "lock:room-1", time.Second, func(ctx context.Context, l *Lock) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}
