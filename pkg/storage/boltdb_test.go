package storage

import (
	"testing"
	"time"

	"github.com/antcode/antcode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNodeCRUD(t *testing.T) {
	s := newTestStore(t)

	n := &types.Node{ID: "node-1", Host: "10.0.0.1", Port: 9000, Status: types.NodeOnline}
	require.NoError(t, s.CreateNode(n))

	got, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Host)

	n.Status = types.NodeOffline
	require.NoError(t, s.UpdateNode(n))
	got, err = s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, got.Status)

	list, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteNode("node-1"))
	_, err = s.GetNode("node-1")
	assert.Error(t, err)
}

func TestExecutionQueries(t *testing.T) {
	s := newTestStore(t)

	e1 := &types.TaskExecution{ExecutionID: "e1", TaskID: 1, State: types.ExecRunning, StartTime: time.Now()}
	e2 := &types.TaskExecution{ExecutionID: "e2", TaskID: 1, State: types.ExecSuccess, StartTime: time.Now()}
	e3 := &types.TaskExecution{ExecutionID: "e3", TaskID: 2, State: types.ExecRunning, StartTime: time.Now()}
	require.NoError(t, s.CreateExecution(e1))
	require.NoError(t, s.CreateExecution(e2))
	require.NoError(t, s.CreateExecution(e3))

	byTask, err := s.ListExecutionsByTask(1)
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	running, err := s.ListExecutionsByState(types.ExecRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestNodeProjectUpsert(t *testing.T) {
	s := newTestStore(t)

	np := &types.NodeProject{NodeID: "node-1", ProjectID: 7, FileHash: "abc", Status: types.NodeProjectSynced}
	require.NoError(t, s.UpsertNodeProject(np))

	got, err := s.GetNodeProject("node-1", 7)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.FileHash)

	np.SyncCount = 1
	require.NoError(t, s.UpsertNodeProject(np))
	got, err = s.GetNodeProject("node-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SyncCount)
}

func TestActiveTasks(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateTask(&types.ScheduledTask{PublicID: "t1", IsActive: true}))
	require.NoError(t, s.CreateTask(&types.ScheduledTask{PublicID: "t2", IsActive: false}))

	active, err := s.ListActiveTasks()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t1", active[0].PublicID)
}
