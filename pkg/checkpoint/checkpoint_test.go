package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/cache"
	"github.com/antcode/antcode/pkg/storage"
	"github.com/antcode/antcode/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTaskAndExecution(t *testing.T, store storage.Store, state types.ExecutionState, heartbeat *time.Time) (*types.ScheduledTask, *types.TaskExecution) {
	t.Helper()
	task := &types.ScheduledTask{ID: 1, PublicID: "task-1", Name: "demo", IsActive: true}
	require.NoError(t, store.CreateTask(task))

	exec := &types.TaskExecution{
		ExecutionID:   "exec-1",
		TaskID:        task.ID,
		State:         state,
		StartTime:     time.Now().Add(-time.Hour),
		LastHeartbeat: heartbeat,
	}
	require.NoError(t, store.CreateExecution(exec))
	return task, exec
}

func TestSaveAndGetCheckpointRoundTrips(t *testing.T) {
	store := newTestStore(t)
	seedTaskAndExecution(t, store, types.ExecRunning, nil)
	svc := New(store, cache.NewMemory(), nil)

	cp := &types.Checkpoint{
		ExecutionID:    "exec-1",
		TaskID:         1,
		State:          types.CheckpointRunning,
		Progress:       0.5,
		CheckpointData: map[string]any{"offset": float64(42)},
	}
	require.NoError(t, svc.SaveCheckpoint(context.Background(), cp))

	got, err := svc.GetCheckpoint(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, float64(42), got.CheckpointData["offset"])
}

func TestGetCheckpointFallsBackToDurableCopyOnCacheMiss(t *testing.T) {
	store := newTestStore(t)
	seedTaskAndExecution(t, store, types.ExecRunning, nil)
	cacheBackend := cache.NewMemory()
	svc := New(store, cacheBackend, nil)

	cp := &types.Checkpoint{ExecutionID: "exec-1", TaskID: 1, Progress: 0.25}
	require.NoError(t, svc.SaveCheckpoint(context.Background(), cp))
	require.NoError(t, cacheBackend.Delete(context.Background(), cacheKey("exec-1")))

	got, err := svc.GetCheckpoint(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.Progress)
}

func TestUpdateProgressClampsAndMergesData(t *testing.T) {
	store := newTestStore(t)
	seedTaskAndExecution(t, store, types.ExecRunning, nil)
	svc := New(store, cache.NewMemory(), nil)

	require.NoError(t, svc.SaveCheckpoint(context.Background(), &types.Checkpoint{
		ExecutionID:    "exec-1",
		TaskID:         1,
		CheckpointData: map[string]any{"a": float64(1)},
	}))
	require.NoError(t, svc.UpdateProgress(context.Background(), "exec-1", 1.5, map[string]any{"b": float64(2)}))

	got, err := svc.GetCheckpoint(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, float64(1), got.CheckpointData["a"])
	assert.Equal(t, float64(2), got.CheckpointData["b"])
}

func TestFindInterruptedSkipsFreshHeartbeat(t *testing.T) {
	store := newTestStore(t)
	fresh := time.Now()
	seedTaskAndExecution(t, store, types.ExecRunning, &fresh)
	svc := New(store, cache.NewMemory(), nil)

	out, err := svc.FindInterrupted(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFindInterruptedFlagsStaleHeartbeat(t *testing.T) {
	store := newTestStore(t)
	stale := time.Now().Add(-10 * time.Minute)
	seedTaskAndExecution(t, store, types.ExecRunning, &stale)
	svc := New(store, cache.NewMemory(), nil)

	out, err := svc.FindInterrupted(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "exec-1", out[0].ExecutionID)
}

func TestFindInterruptedFailsOrphanedExecution(t *testing.T) {
	store := newTestStore(t)
	stale := time.Now().Add(-10 * time.Minute)
	_, exec := seedTaskAndExecution(t, store, types.ExecRunning, &stale)
	require.NoError(t, store.DeleteTask("task-1"))
	svc := New(store, cache.NewMemory(), nil)

	out, err := svc.FindInterrupted(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)

	updated, err := store.GetExecution(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecFailed, updated.State)
	assert.Contains(t, updated.ErrorMessage, "already deleted")
}

func TestRecoverOnStartupReschedulesAndTriggers(t *testing.T) {
	store := newTestStore(t)
	stale := time.Now().Add(-10 * time.Minute)
	seedTaskAndExecution(t, store, types.ExecRunning, &stale)

	var triggered string
	svc := New(store, cache.NewMemory(), func(_ context.Context, taskPublicID string) error {
		triggered = taskPublicID
		return nil
	})

	stats, err := svc.RecoverOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, "task-1", triggered)

	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecFailed, exec.State)
}

func TestRecoverOnStartupFailsWhenRetriesExhausted(t *testing.T) {
	store := newTestStore(t)
	stale := time.Now().Add(-10 * time.Minute)
	seedTaskAndExecution(t, store, types.ExecRunning, &stale)
	svc := New(store, cache.NewMemory(), nil)

	require.NoError(t, svc.SaveCheckpoint(context.Background(), &types.Checkpoint{
		ExecutionID: "exec-1",
		TaskID:      1,
		RetryCount:  maxRetryOnRecovery,
	}))

	stats, err := svc.RecoverOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Recovered)
}

func TestRecoverOnStartupSkipsReentrantCall(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, cache.NewMemory(), nil)
	svc.recovering.Store(true)

	stats, err := svc.RecoverOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
}
