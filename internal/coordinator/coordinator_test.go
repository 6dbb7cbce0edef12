package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, replicaID string) (*RedisCoordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedis("redis://"+mr.Addr(), replicaID)
	require.NoError(t, err)
	return c, mr
}

func TestClaimIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewRedis("redis://"+mr.Addr(), "replica-a")
	require.NoError(t, err)
	b, err := NewRedis("redis://"+mr.Addr(), "replica-b")
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, a.Claim(ctx, "scheduler:r1", time.Minute))
	assert.False(t, b.Claim(ctx, "scheduler:r1", time.Minute))

	// Released claims can be re-taken by the other replica.
	a.Release(ctx, "scheduler:r1")
	assert.True(t, b.Claim(ctx, "scheduler:r1", time.Minute))

	// Release by a non-owner is ignored.
	a.Release(ctx, "scheduler:r1")
	assert.False(t, a.Claim(ctx, "scheduler:r1", time.Minute))
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewRedis("redis://"+mr.Addr(), "replica-a")
	require.NoError(t, err)
	b, err := NewRedis("redis://"+mr.Addr(), "replica-b")
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, a.Claim(ctx, "scheduler:r2", 30*time.Second))
	require.False(t, b.Claim(ctx, "scheduler:r2", 30*time.Second))

	// Owner crashes; after TTL the other replica's claim succeeds.
	mr.FastForward(31 * time.Second)
	assert.True(t, b.Claim(ctx, "scheduler:r2", 30*time.Second))
}

func TestRefreshOnlyForOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewRedis("redis://"+mr.Addr(), "replica-a")
	require.NoError(t, err)
	b, err := NewRedis("redis://"+mr.Addr(), "replica-b")
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, a.Claim(ctx, "scheduler:r3", 30*time.Second))
	assert.True(t, a.Refresh(ctx, "scheduler:r3", 30*time.Second))
	assert.False(t, b.Refresh(ctx, "scheduler:r3", 30*time.Second))

	// After expiry even the old owner cannot refresh.
	mr.FastForward(31 * time.Second)
	assert.False(t, a.Refresh(ctx, "scheduler:r3", 30*time.Second))
}

func TestClientRegistry(t *testing.T) {
	c, _ := newTestCoordinator(t, "replica-a")
	ctx := context.Background()

	info := ClientInfo{
		ClientID:  "ws-1",
		ReplicaID: "replica-a",
		Channels:  []string{"region:r1"},
		LastSeen:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, c.SetClient(ctx, info, time.Minute))

	got, err := c.GetClient(ctx, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.Channels, got.Channels)

	require.NoError(t, c.RemoveClient(ctx, "ws-1"))
	got, err = c.GetClient(ctx, "ws-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPubSub(t *testing.T) {
	c, _ := newTestCoordinator(t, "replica-a")
	ctx := context.Background()

	msgs, cancel, err := c.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	defer cancel()

	// Subscription registration races Publish in miniredis; give it a beat.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Publish(ctx, "alerts", []byte(`{"level":"HIGH"}`)))

	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"level":"HIGH"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestDegradedModeClaimsSucceed(t *testing.T) {
	c, err := NewRedis("", "replica-a")
	require.NoError(t, err)
	ctx := context.Background()

	// All claims succeed in single-replica mode.
	assert.True(t, c.Claim(ctx, "scheduler:r1", time.Minute))
	assert.True(t, c.Claim(ctx, "scheduler:r1", time.Minute))
	assert.True(t, c.Refresh(ctx, "scheduler:r1", time.Minute))
	assert.False(t, c.Health(ctx).Connected)
	require.NoError(t, c.SetClient(ctx, ClientInfo{ClientID: "x"}, time.Minute))
}

func TestHealth(t *testing.T) {
	c, mr := newTestCoordinator(t, "replica-a")
	ctx := context.Background()

	h := c.Health(ctx)
	assert.True(t, h.Connected)

	mr.Close()
	h = c.Health(ctx)
	assert.False(t, h.Connected)

	// Unreachable backend lets claims through (degraded mode stays correct
	// for single-replica deployments).
	assert.True(t, c.Claim(ctx, "scheduler:r9", time.Minute))
}
