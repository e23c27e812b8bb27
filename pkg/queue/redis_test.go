package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/types"
)

func newTestRedisQueue(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client)
}

func TestRedisEnqueueDequeueOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)
	require.NoError(t, q.Start(ctx))

	ok, err := q.Enqueue(ctx, "low", 1, types.ProjectTypeRule, 10, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, "high", 1, types.ProjectTypeRule, 1, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	task, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "high", task.TaskID)

	task, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "low", task.TaskID)
}

func TestRedisEnqueueRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	ok, err := q.Enqueue(ctx, "t1", 1, types.ProjectTypeRule, 5, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, "t1", 1, types.ProjectTypeRule, 5, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCancelRemovesFromQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, "t1", 1, types.ProjectTypeRule, 5, nil)
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	_, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisUpdatePriorityReordersQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, "t1", 1, types.ProjectTypeRule, 10, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t2", 1, types.ProjectTypeRule, 5, nil)
	require.NoError(t, err)

	ok, err := q.UpdatePriority(ctx, "t1", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	task, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TaskID)
}

func TestRedisPeekDoesNotRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, "t1", 1, types.ProjectTypeRule, 5, nil)
	require.NoError(t, err)

	task, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", task.TaskID)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestRedisClearDrainsQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	_, _ = q.Enqueue(ctx, "t1", 1, types.ProjectTypeRule, 5, nil)
	_, _ = q.Enqueue(ctx, "t2", 1, types.ProjectTypeRule, 6, nil)

	n, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
