package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishToSubscribers(t *testing.T) {
	ps := NewMemory(4)
	defer ps.Close()
	ctx := context.Background()

	a, err := ps.Subscribe(ctx, "post.created")
	require.NoError(t, err)
	b, err := ps.Subscribe(ctx, "post.created")
	require.NoError(t, err)
	other, err := ps.Subscribe(ctx, "user.created")
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, "post.created", map[string]any{"id": 1}))
	assert.Equal(t, map[string]any{"id": 1}, <-a.C)
	assert.Equal(t, map[string]any{"id": 1}, <-b.C)
	assert.Empty(t, other.C)

	a.Close()
	a.Close()
	_, open := <-a.C
	assert.False(t, open)
	require.NoError(t, ps.Publish(ctx, "post.created", 2))
	assert.Equal(t, 2, <-b.C)
}

func TestFullBufferDrops(t *testing.T) {
	ps := NewMemory(1)
	defer ps.Close()
	ctx := context.Background()
	s, err := ps.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, "t", 1))
	require.NoError(t, ps.Publish(ctx, "t", 2))
	assert.Equal(t, 1, <-s.C)
	assert.Equal(t, uint64(1), ps.Dropped())
}

func TestContextClosesSubscription(t *testing.T) {
	ps := NewMemory(0)
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := ps.Subscribe(ctx, "t")
	require.NoError(t, err)

	cancel()
	_, open := <-s.C
	assert.False(t, open)
}

func TestClose(t *testing.T) {
	ps := NewMemory(0)
	s, err := ps.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	ps.Close()

	_, open := <-s.C
	assert.False(t, open)
	assert.ErrorIs(t, ps.Publish(context.Background(), "t", 1), ErrClosed)
	_, err = ps.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
}
