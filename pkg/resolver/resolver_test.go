package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/types"
)

func nodeStore(nodes ...*types.Node) (func(string) (*types.Node, error), func() ([]*types.Node, error)) {
	byID := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	nodeByID := func(id string) (*types.Node, error) {
		n, ok := byID[id]
		if !ok {
			return nil, apperr.New(apperr.KindNotFound, "node not found")
		}
		return n, nil
	}
	online := func() ([]*types.Node, error) {
		var out []*types.Node
		for _, n := range nodes {
			if n.Status == types.NodeOnline {
				out = append(out, n)
			}
		}
		return out, nil
	}
	return nodeByID, online
}

func healthyNode(id string) *types.Node {
	return &types.Node{
		ID:     id,
		Status: types.NodeOnline,
		Metrics: types.NodeMetrics{
			CPUPercent: 10, MemoryPercent: 10, RunningTasks: 1, MaxConcurrentTasks: 10, SuccessRate: 100,
		},
	}
}

func TestResolveLocalWhenNoStrategySignalPresent(t *testing.T) {
	byID, online := nodeStore()
	r := New(byID, online)

	node, strategy, err := r.Resolve(&types.ScheduledTask{}, &types.Project{})
	require.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, types.StrategyLocal, strategy)
}

func TestResolveTaskStrategyOverridesProject(t *testing.T) {
	n := healthyNode("node-1")
	byID, online := nodeStore(n)
	r := New(byID, online)

	task := &types.ScheduledTask{ExecutionStrategy: types.StrategySpecified, SpecifiedNodeID: "node-1"}
	project := &types.Project{ExecutionStrategy: types.StrategyLocal}

	node, strategy, err := r.Resolve(task, project)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)
	assert.Equal(t, types.StrategySpecified, strategy)
}

func TestResolveLegacyNodeIDInfersSpecifiedStrategy(t *testing.T) {
	n := healthyNode("node-1")
	byID, online := nodeStore(n)
	r := New(byID, online)

	task := &types.ScheduledTask{LegacyNodeID: "node-1"}
	node, strategy, err := r.Resolve(task, &types.Project{})
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)
	assert.Equal(t, types.StrategySpecified, strategy)
}

func TestResolveSpecifiedNodeOfflineFails(t *testing.T) {
	n := healthyNode("node-1")
	n.Status = types.NodeOffline
	byID, online := nodeStore(n)
	r := New(byID, online)

	task := &types.ScheduledTask{SpecifiedNodeID: "node-1"}
	_, _, err := r.Resolve(task, &types.Project{})
	assert.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNodeUnavailable, kind)
}

func TestResolveFixedNodeUsesBoundNode(t *testing.T) {
	n := healthyNode("node-1")
	byID, online := nodeStore(n)
	r := New(byID, online)

	task := &types.ScheduledTask{}
	project := &types.Project{ExecutionStrategy: types.StrategyFixedNode, BoundNodeID: "node-1"}

	node, strategy, err := r.Resolve(task, project)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)
	assert.Equal(t, types.StrategyFixedNode, strategy)
}

func TestResolveAutoSelectPicksBestOnlineNode(t *testing.T) {
	good := healthyNode("good")
	busy := healthyNode("busy")
	busy.Metrics.RunningTasks = 9
	byID, online := nodeStore(good, busy)
	r := New(byID, online)

	task := &types.ScheduledTask{ExecutionStrategy: types.StrategyAutoSelect}
	node, _, err := r.Resolve(task, &types.Project{})
	require.NoError(t, err)
	assert.Equal(t, "good", node.ID)
}

func TestResolveAutoSelectRequiresRenderForBrowserRule(t *testing.T) {
	plain := healthyNode("plain")
	renderer := healthyNode("renderer")
	renderer.Capabilities.BrowserRender = true
	byID, online := nodeStore(plain, renderer)
	r := New(byID, online)

	task := &types.ScheduledTask{ExecutionStrategy: types.StrategyAutoSelect}
	project := &types.Project{
		Type: types.ProjectTypeRule,
		Rule: &types.RuleSpec{Engine: types.RuleEngineBrowser},
	}

	node, _, err := r.Resolve(task, project)
	require.NoError(t, err)
	assert.Equal(t, "renderer", node.ID)
}

func TestResolvePreferBoundFailsOverWhenFallbackEnabled(t *testing.T) {
	bound := healthyNode("bound")
	bound.Status = types.NodeOffline
	other := healthyNode("other")
	byID, online := nodeStore(bound, other)
	r := New(byID, online)

	task := &types.ScheduledTask{}
	project := &types.Project{ExecutionStrategy: types.StrategyPreferBound, BoundNodeID: "bound", FallbackEnabled: true}

	node, _, err := r.Resolve(task, project)
	require.NoError(t, err)
	assert.Equal(t, "other", node.ID)
}

func TestResolvePreferBoundFailsWithoutFallback(t *testing.T) {
	bound := healthyNode("bound")
	bound.Status = types.NodeOffline
	byID, online := nodeStore(bound)
	r := New(byID, online)

	task := &types.ScheduledTask{}
	project := &types.Project{ExecutionStrategy: types.StrategyPreferBound, BoundNodeID: "bound", FallbackEnabled: false}

	_, _, err := r.Resolve(task, project)
	assert.Error(t, err)
}
