package projectsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestPlanSkipsWhenHashMatches(t *testing.T) {
	store := newTestStore(t)
	svc := New(store)

	node := &types.Node{ID: "node-1"}
	project := &types.Project{ID: 1, Type: types.ProjectTypeCode, ContentHash: "abc"}

	require.NoError(t, store.UpsertNodeProject(&types.NodeProject{
		NodeID: "node-1", ProjectID: 1, FileHash: "abc", Status: types.NodeProjectSynced,
	}))

	plan, err := svc.Plan(node, project, nil)
	require.NoError(t, err)
	assert.True(t, plan.Skip)
}

func TestPlanUsesCodeTransferForCodeProject(t *testing.T) {
	store := newTestStore(t)
	svc := New(store)

	node := &types.Node{ID: "node-1"}
	project := &types.Project{ID: 1, Type: types.ProjectTypeCode, ContentHash: "abc", CodeContent: "print(1)"}

	plan, err := svc.Plan(node, project, nil)
	require.NoError(t, err)
	assert.False(t, plan.Skip)
	assert.Equal(t, types.TransferCode, plan.Method)
	assert.Equal(t, "print(1)", plan.CodeContent)
}

func TestPlanUsesOriginalTransferForFileProjectWithoutPriorSync(t *testing.T) {
	store := newTestStore(t)
	svc := New(store)

	node := &types.Node{ID: "node-1"}
	project := &types.Project{ID: 1, Type: types.ProjectTypeFile, ContentHash: "abc"}

	plan, err := svc.Plan(node, project, func(p *types.Project) string { return "https://example.test/download" })
	require.NoError(t, err)
	assert.Equal(t, types.TransferOriginal, plan.Method)
	assert.Equal(t, "https://example.test/download", plan.DownloadURL)
}

func TestRecordTransferIncrementsSyncCount(t *testing.T) {
	store := newTestStore(t)
	svc := New(store)

	node := &types.Node{ID: "node-1"}
	project := &types.Project{ID: 1, PublicID: "p1", Type: types.ProjectTypeCode, ContentHash: "abc"}

	require.NoError(t, svc.RecordTransfer(node, project, types.TransferCode, 100, nil))
	require.NoError(t, svc.RecordTransfer(node, project, types.TransferCode, 100, nil))

	np, err := store.GetNodeProject("node-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, np.SyncCount)
	assert.Equal(t, types.NodeProjectSynced, np.Status)
}

func TestMarkStaleFlipsStatus(t *testing.T) {
	store := newTestStore(t)
	svc := New(store)

	require.NoError(t, store.UpsertNodeProject(&types.NodeProject{
		NodeID: "node-1", ProjectID: 1, Status: types.NodeProjectSynced,
	}))
	require.NoError(t, svc.MarkStale("node-1", 1))

	np, err := store.GetNodeProject("node-1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.NodeProjectStale, np.Status)
}

func TestDiffCategorizesFiles(t *testing.T) {
	prior := []*types.NodeProjectFile{
		{Path: "a.py", Hash: "h1"},
		{Path: "b.py", Hash: "h2"},
		{Path: "c.py", Hash: "h3"},
	}
	current := map[string]string{
		"a.py": "h1",       // unchanged
		"b.py": "h2-new",   // modified
		"d.py": "h4",       // added
	}

	delta := Diff(prior, current)
	assert.ElementsMatch(t, []string{"a.py"}, delta.Unchanged)
	assert.ElementsMatch(t, []string{"b.py"}, delta.Modified)
	assert.ElementsMatch(t, []string{"d.py"}, delta.Added)
	assert.ElementsMatch(t, []string{"c.py"}, delta.Deleted)
}
