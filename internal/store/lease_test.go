package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_AcquireHeartbeatRelease(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.CreateTask(ctx, createTestTask("t1")))
	ttl := 30 * time.Second

	ok, err := s.AcquireLease(ctx, "t1", "worker-a", ttl, testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	lease, err := s.GetLease(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, lease.Valid("worker-a", testNow))
	assert.False(t, lease.Valid("worker-b", testNow))
	assert.Equal(t, testNow.Add(ttl), lease.ExpiresAt)

	ok, err = s.AcquireLease(ctx, "t1", "worker-b", ttl, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "live lease held by another owner")

	ok, err = s.AcquireLease(ctx, "t1", "worker-a", ttl, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "owner may re-acquire")

	ok, err = s.Heartbeat(ctx, "t1", "worker-a", ttl, testNow.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	lease, _ = s.GetLease(ctx, "t1")
	assert.Equal(t, testNow.Add(40*time.Second), lease.ExpiresAt)

	require.NoError(t, s.ReleaseLease(ctx, "t1", "worker-a"))
	lease, _ = s.GetLease(ctx, "t1")
	assert.Empty(t, lease.Owner)
}

func TestLease_ExpiredTakeover(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.CreateTask(ctx, createTestTask("t1")))
	ttl := 5 * time.Second

	ok, err := s.AcquireLease(ctx, "t1", "worker-a", ttl, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	later := testNow.Add(ttl)
	ok, err = s.AcquireLease(ctx, "t1", "worker-b", ttl, later)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	ok, err = s.Heartbeat(ctx, "t1", "worker-a", ttl, later)
	require.NoError(t, err)
	assert.False(t, ok, "previous owner lost the lease")
}

func TestLease_ReleaseNotHeldIsNoop(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.CreateTask(ctx, createTestTask("t1")))

	ok, err := s.AcquireLease(ctx, "t1", "worker-a", time.Minute, testNow)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "t1", "worker-b"))
	lease, _ := s.GetLease(ctx, "t1")
	assert.Equal(t, "worker-a", lease.Owner)
}

func TestLease_MissingTask(t *testing.T) {
	s := createTestStore(t)
	_, err := s.AcquireLease(context.Background(), "ghost", "w", time.Minute, testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}
